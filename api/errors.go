package api

import (
	"errors"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/batch"
)

// StatusFor maps a batch sentinel error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, batch.ErrJobNotFound), errors.Is(err, batch.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrLeaseNotHeld), errors.Is(err, batch.ErrLeaseLost),
		errors.Is(err, batch.ErrJobAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, batch.ErrWrongJobType), errors.Is(err, batch.ErrInvalidStatus):
		return http.StatusUnprocessableEntity
	case errors.Is(err, batch.ErrUnknownJobType), errors.Is(err, batch.ErrParentNotFound):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError converts err into a response. Statuses forge has helpers for
// go through them; conflicts and rejected transitions are written directly.
func writeError(ctx forge.Context, err error) error {
	switch code := StatusFor(err); code {
	case http.StatusNotFound:
		return forge.NotFound(err.Error())
	case http.StatusBadRequest:
		return forge.BadRequest(err.Error())
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return ctx.JSON(code, ErrorResponse{Code: code, Message: err.Error()})
	default:
		return forge.InternalError(err)
	}
}
