package client

import (
	"fmt"
	"strings"

	"github.com/xraph/batch"
	"github.com/xraph/batch/dwp"
)

// Error is a DWP error frame returned by the server. It matches the batch
// sentinel named in its message, so callers can use errors.Is exactly as
// they would against an in-process engine.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("DWP error %d: %s", e.Code, e.Message)
}

var sentinels = []error{
	batch.ErrJobNotFound,
	batch.ErrParentNotFound,
	batch.ErrLeaseNotHeld,
	batch.ErrLeaseLost,
	batch.ErrWrongJobType,
	batch.ErrInvalidStatus,
	batch.ErrUnknownJobType,
}

// Is reports whether target is the sentinel the server failed with.
func (e *Error) Is(target error) bool {
	for _, s := range sentinels {
		if target == s {
			return strings.Contains(e.Message, s.Error())
		}
	}
	return false
}

func newError(d *dwp.ErrorDetail) error {
	if d == nil {
		return &Error{Code: dwp.ErrCodeInternal, Message: "unknown error"}
	}
	return &Error{Code: d.Code, Message: d.Message}
}
