// Package api provides the forge HTTP handlers for the batch engine: job
// records, lease operations, queue sizes, and maintenance triggers.
package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/batch/engine"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// API wires all Forge-style HTTP handlers together for the batch engine.
type API struct {
	eng    *engine.Engine
	router forge.Router
}

// New creates an API from a batch Engine.
func New(eng *engine.Engine, router forge.Router) *API {
	return &API{eng: eng, router: router}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all batch API routes into the given Forge router
// with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerJobRoutes(router)
	a.registerLeaseRoutes(router)
	a.registerQueueRoutes(router)
	a.registerMaintenanceRoutes(router)
}

// registerJobRoutes registers job record routes.
func (a *API) registerJobRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("jobs"))

	_ = g.POST("/jobs", a.createJob,
		forge.WithSummary("Create job"),
		forge.WithDescription("Creates a pending job of a registered type."),
		forge.WithOperationID("createJob"),
		forge.WithRequestSchema(CreateJobRequest{}),
		forge.WithCreatedResponse(&job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/jobs", a.listJobs,
		forge.WithSummary("List jobs"),
		forge.WithDescription("Returns jobs filtered by type, status, partner, parent, or root."),
		forge.WithOperationID("listJobs"),
		forge.WithRequestSchema(ListJobsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Job list", []*job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/jobs/:jobId", a.getJob,
		forge.WithSummary("Get job"),
		forge.WithDescription("Returns details of a specific job."),
		forge.WithOperationID("getJob"),
		forge.WithResponseSchema(http.StatusOK, "Job details", &job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/jobs/:jobId/abort", a.abortJob,
		forge.WithSummary("Abort job"),
		forge.WithDescription("Cancels a job that has not finished, dropping any lease it holds."),
		forge.WithOperationID("abortJob"),
		forge.WithRequestSchema(AbortJobRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Aborted job", &job.Job{}),
		forge.WithErrorResponses(),
	)
}

// registerLeaseRoutes registers the exclusive lease operations used by
// batch processes.
func (a *API) registerLeaseRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("leases"))

	_ = g.POST("/leases/claim", a.claimJobs,
		forge.WithSummary("Claim jobs"),
		forge.WithDescription("Leases up to count pending or retry jobs of a type to the caller's lock key."),
		forge.WithOperationID("claimJobs"),
		forge.WithRequestSchema(ClaimRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Claimed jobs", []*job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/leases/claim-almost-done", a.claimAlmostDone,
		forge.WithSummary("Claim almost-done jobs"),
		forge.WithDescription("Leases jobs awaiting external confirmation back to the caller."),
		forge.WithOperationID("claimAlmostDone"),
		forge.WithRequestSchema(ClaimRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Claimed jobs", []*job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/leases/claim-notifications", a.claimNotifications,
		forge.WithSummary("Claim notification jobs"),
		forge.WithDescription("Leases notification jobs and returns the distinct partners they belong to."),
		forge.WithOperationID("claimNotifications"),
		forge.WithRequestSchema(ClaimRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Claimed notifications", engine.NotificationClaim{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/leases/:jobId/update", a.updateJob,
		forge.WithSummary("Update leased job"),
		forge.WithDescription("Merges new state into a job leased by the caller. The lease expiration never changes."),
		forge.WithOperationID("updateLeasedJob"),
		forge.WithRequestSchema(UpdateRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Updated job", &job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/leases/:jobId/free", a.freeJob,
		forge.WithSummary("Free leased job"),
		forge.WithDescription("Releases the caller's lease and settles the job status."),
		forge.WithOperationID("freeJob"),
		forge.WithRequestSchema(FreeRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Free result", engine.FreeResult{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/leases/:jobId/reset-attempts", a.resetAttempts,
		forge.WithSummary("Reset execution attempts"),
		forge.WithDescription("Zeroes the attempt counter of a job leased by the caller."),
		forge.WithOperationID("resetExecutionAttempts"),
		forge.WithRequestSchema(ResetAttemptsRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)
}

// registerQueueRoutes registers queue accounting routes.
func (a *API) registerQueueRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("queues"))

	_ = g.GET("/queues/:jobType/size", a.queueSize,
		forge.WithSummary("Queue size"),
		forge.WithDescription("Counts queued jobs of a type, or live reclaimable leases when nothing is queued."),
		forge.WithOperationID("queueSize"),
		forge.WithRequestSchema(QueueSizeRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Queue size", QueueSizeResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/partner-loads", a.partnerLoads,
		forge.WithSummary("Partner loads"),
		forge.WithDescription("Returns the materialized partner load ledger."),
		forge.WithOperationID("partnerLoads"),
		forge.WithRequestSchema(PartnerLoadsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Partner loads", []*load.PartnerLoad{}),
		forge.WithErrorResponses(),
	)
}

// registerMaintenanceRoutes registers manual maintenance triggers.
func (a *API) registerMaintenanceRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("maintenance"))

	_ = g.POST("/maintenance/clean-expired", a.cleanExpired,
		forge.WithSummary("Clean expired leases"),
		forge.WithDescription("Moves jobs with expired leases to retry or fatal."),
		forge.WithOperationID("cleanExpired"),
		forge.WithResponseSchema(http.StatusOK, "Clean result", CleanExpiredResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/maintenance/refresh-load", a.refreshLoad,
		forge.WithSummary("Refresh partner load"),
		forge.WithDescription("Reconciles the partner load ledger with live leases."),
		forge.WithOperationID("refreshPartnerLoad"),
		forge.WithResponseSchema(http.StatusOK, "Refresh result", load.RefreshResult{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/files/check", a.checkFile,
		forge.WithSummary("Check file"),
		forge.WithDescription("Reports whether a staged file exists with the expected size."),
		forge.WithOperationID("checkFileExists"),
		forge.WithRequestSchema(FileCheckRequest{}),
		forge.WithResponseSchema(http.StatusOK, "File check", engine.FileCheck{}),
		forge.WithErrorResponses(),
	)
}
