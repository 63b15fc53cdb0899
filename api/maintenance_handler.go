package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/batch/engine"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

func (a *API) cleanExpired(ctx forge.Context) error {
	n, err := a.eng.CleanExpiredJobs(ctx.Context())
	if err != nil {
		return fmt.Errorf("clean expired: %w", err)
	}
	return ctx.JSON(http.StatusOK, CleanExpiredResponse{Cleaned: n})
}

func (a *API) refreshLoad(ctx forge.Context) error {
	return ctx.JSON(http.StatusOK, a.eng.RefreshPartnerLoad(ctx.Context()))
}

func (a *API) partnerLoads(ctx forge.Context, req *PartnerLoadsRequest) ([]*load.PartnerLoad, error) {
	loads, err := a.eng.PartnerLoads(ctx.Context(), job.Type(req.JobType))
	if err != nil {
		return nil, fmt.Errorf("partner loads: %w", err)
	}
	if loads == nil {
		loads = []*load.PartnerLoad{}
	}
	return loads, ctx.JSON(http.StatusOK, loads)
}

func (a *API) checkFile(ctx forge.Context, req *FileCheckRequest) (*engine.FileCheck, error) {
	if req.Path == "" {
		return nil, forge.BadRequest("path is required")
	}
	res := a.eng.CheckFileExists(req.Path, req.Size)
	return &res, ctx.JSON(http.StatusOK, res)
}
