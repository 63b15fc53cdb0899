// Package engine wires the batch subsystems together and exposes the
// transport-agnostic lease operations. It creates the job registry, the
// partner load ledger, the queue selector, the lease manager, the
// extension registry, and the leader-elected sweeper.
//
// This package exists to break the import cycle: the root batch package
// defines Entity (imported by job, load, etc.) and so cannot import
// those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/batch"
	"github.com/xraph/batch/backoff"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
	"github.com/xraph/batch/load"
	mw "github.com/xraph/batch/middleware"
	"github.com/xraph/batch/observability"
	"github.com/xraph/batch/queue"
	"github.com/xraph/batch/store"
	"github.com/xraph/batch/sweeper"
	"github.com/xraph/batch/worker"
)

const instrumentationName = "github.com/xraph/batch/engine"

// FreeResult and FreeOption are re-exported so transports depend on the
// engine alone.
type (
	FreeResult = lease.FreeResult
	FreeOption = lease.FreeOption
)

// NotificationClaim is the result of ClaimNotificationJobs.
type NotificationClaim struct {
	Jobs []*job.Job `json:"jobs"`
	// PartnerIDs lists the distinct partners of Jobs in claim order.
	PartnerIDs []int64 `json:"partner_ids"`
}

// FileCheck reports whether a staged file exists with the expected size.
type FileCheck struct {
	Exists bool `json:"exists"`
	SizeOK bool `json:"size_ok"`
}

// Engine wraps a Service with typed subsystem access.
// Use Build() to create one from a Service.
type Engine struct {
	svc        *batch.Service
	store      store.Store
	extensions *ext.Registry
	registry   *job.Registry
	ledger     *load.Ledger
	selector   *queue.Selector
	leases     *lease.Manager
	sweeper    *sweeper.Sweeper
	process    *cluster.Worker
	logger     *slog.Logger
	tracer     trace.Tracer

	bo              backoff.Strategy
	mws             []mw.Middleware
	queueConfigs    []queue.Config
	partnerConfigs  []queue.PartnerConfig
	queueManager    *queue.Manager
	partnerWeights  map[int64]float64
	leaseMargin     time.Duration
	now             func() time.Time
	metricFactory   gu.MetricFactory
	sweeperDisabled bool

	// In-process batch process (optional).
	poolWorkerID *int
	poolOpts     []worker.PoolOption
	pool         *worker.Pool

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the in-process execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the delay applied to jobs released to RETRY.
// If not set, RETRY jobs are claimable immediately.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers per job type claim rate and concurrency
// limits applied in this process. Types not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithPartnerConfig registers per partner claim limits.
func WithPartnerConfig(configs ...queue.PartnerConfig) Option {
	return func(eng *Engine) {
		eng.partnerConfigs = append(eng.partnerConfigs, configs...)
	}
}

// WithPartnerWeight scales the weighted load of partnerID by w.
func WithPartnerWeight(partnerID int64, w float64) Option {
	return func(eng *Engine) {
		eng.partnerWeights[partnerID] = w
	}
}

// WithLeaseMargin sets how long before lease expiry an in-process handler
// context is cancelled, leaving time to free the job.
func WithLeaseMargin(d time.Duration) Option {
	return func(eng *Engine) {
		eng.leaseMargin = d
	}
}

// WithWorkerPool runs an in-process batch process with the given worker
// id. By default its slots claim every type registered with a handler.
func WithWorkerPool(workerID int, opts ...worker.PoolOption) Option {
	return func(eng *Engine) {
		eng.poolWorkerID = &workerID
		eng.poolOpts = append(eng.poolOpts, opts...)
	}
}

// WithoutSweeper disables the leader-elected maintenance loops. Cleaning
// and load refresh then happen only when called explicitly.
func WithoutSweeper() Option {
	return func(eng *Engine) {
		eng.sweeperDisabled = true
	}
}

// WithClock overrides the time source of the lease manager, selector, and
// ledger.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		eng.now = now
	}
}

// WithMetricFactory sets the factory used by the built-in metrics
// extension.
func WithMetricFactory(f gu.MetricFactory) Option {
	return func(eng *Engine) {
		eng.metricFactory = f
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, engine spans and the tracing middleware use this provider
// instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Service.
// The Service's store must implement store.Store.
func Build(svc *batch.Service, opts ...Option) (*Engine, error) {
	logger := svc.Logger()
	if svc.Store() == nil {
		return nil, batch.ErrNoStore
	}
	s, ok := svc.Store().(store.Store)
	if !ok {
		return nil, errors.New("batch: store does not implement store.Store")
	}

	eng := &Engine{
		svc:            svc,
		store:          s,
		extensions:     ext.NewRegistry(logger),
		registry:       job.NewRegistry(),
		logger:         logger,
		bo:             backoff.None{},
		partnerWeights: make(map[int64]float64),
		leaseMargin:    2 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(eng)
	}

	cfg := svc.Config()

	if eng.tracerProvider != nil {
		eng.tracer = eng.tracerProvider.Tracer(instrumentationName)
	} else {
		eng.tracer = otel.Tracer(instrumentationName)
	}

	// Register the observability metrics extension.
	if eng.metricFactory != nil {
		eng.extensions.Register(observability.NewMetricsExtensionWithFactory(eng.metricFactory))
	} else {
		eng.extensions.Register(observability.NewMetricsExtension())
	}

	ledgerOpts := []load.Option{
		load.WithLogger(logger),
		load.WithCacheTTL(cfg.LoadCacheTTL),
		load.WithClock(eng.now),
	}
	for partnerID, w := range eng.partnerWeights {
		ledgerOpts = append(ledgerOpts, load.WithPartnerWeight(partnerID, w))
	}
	eng.ledger = load.NewLedger(s, eng.registry, ledgerOpts...)
	eng.selector = queue.NewSelector(s, eng.ledger, queue.WithClock(eng.now))

	leaseOpts := []lease.Option{
		lease.WithConfig(cfg),
		lease.WithBackoff(eng.bo),
		lease.WithHooks(eng.extensions.LeaseHooks()),
		lease.WithLogger(logger),
		lease.WithClock(eng.now),
	}
	if len(eng.queueConfigs) > 0 || len(eng.partnerConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		for _, pc := range eng.partnerConfigs {
			eng.queueManager.SetPartnerConfig(pc)
		}
		leaseOpts = append(leaseOpts, lease.WithGate(eng.queueManager))
	}
	eng.leases = lease.NewManager(s, eng.selector, eng.registry, leaseOpts...)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	eng.process = &cluster.Worker{
		ID:          id.NewWorkerID(),
		SchedulerID: cfg.SchedulerID,
		Hostname:    hostname,
		State:       cluster.WorkerActive,
	}

	if !eng.sweeperDisabled {
		eng.sweeper = sweeper.New(s, eng.process,
			sweeper.WithLeaderTTL(cfg.LeaderTTL),
			sweeper.WithHeartbeatInterval(cfg.HeartbeatInterval),
			sweeper.WithDeadWorkerThreshold(cfg.DeadWorkerThreshold),
			sweeper.WithLogger(logger),
		)
		if err := eng.sweeper.AddTask("clean_expired", cfg.CleanExpiredSchedule, func(ctx context.Context) error {
			_, err := eng.CleanExpiredJobs(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		if err := eng.sweeper.AddTask("refresh_partner_load", cfg.RefreshLoadSchedule, func(ctx context.Context) error {
			eng.RefreshPartnerLoad(ctx)
			return nil
		}); err != nil {
			return nil, err
		}
		svc.SetSweeper(eng.sweeper)
	}

	svc.SetExtensions(eng.extensions)
	return eng, nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// RegisterType registers a job type served only by remote batch processes.
func (eng *Engine) RegisterType(t job.Type, opts ...job.Option) {
	eng.registry.RegisterType(t, opts...)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins background maintenance and, when configured, the
// in-process worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	handled := eng.handledTypes()
	eng.process.JobTypes = make([]string, len(handled))
	for i, t := range handled {
		eng.process.JobTypes[i] = string(t)
	}

	if eng.poolWorkerID != nil {
		eng.pool = eng.newPool(*eng.poolWorkerID, handled)
		eng.process.Slots = eng.pool.Slots()
	}

	if err := eng.svc.Start(ctx); err != nil {
		return err
	}
	if eng.pool != nil {
		if err := eng.pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	return nil
}

// Stop gracefully shuts down the pool, the sweeper, and the store.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.pool != nil {
		if err := eng.pool.Stop(ctx); err != nil {
			eng.logger.Error("worker pool stop error", slog.String("error", err.Error()))
		}
	}
	return eng.svc.Stop(ctx)
}

func (eng *Engine) newPool(workerID int, types []job.Type) *worker.Pool {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/batch"))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/batch"))
	} else {
		metricsMw = mw.Metrics()
	}

	// tracing → metrics → logging → recover → deadline → user middleware.
	mws := []mw.Middleware{
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Recover(eng.logger),
		mw.Deadline(eng.logger, eng.leaseMargin),
	}
	mws = append(mws, eng.mws...)

	cfg := eng.svc.Config()
	executor := worker.NewExecutor(eng.registry, eng.extensions, eng, cfg.DefaultMaxAttempts, eng.logger, mws...)
	opts := append([]worker.PoolOption{worker.WithJobTypes(types...)}, eng.poolOpts...)
	return worker.NewPool(eng, executor, cfg.SchedulerID, workerID, eng.logger, opts...)
}

func (eng *Engine) handledTypes() []job.Type {
	var out []job.Type
	for _, t := range eng.registry.Types() {
		if d, ok := eng.registry.Lookup(t); ok && d.Handler != nil {
			out = append(out, t)
		}
	}
	return out
}

// ──────────────────────────────────────────────────
// Lease operations
// ──────────────────────────────────────────────────

// ClaimJobs leases up to count PENDING or RETRY jobs of jobType matching
// filter to key. An empty queue yields an empty slice.
func (eng *Engine) ClaimJobs(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) (_ []*job.Job, err error) {
	ctx, span := eng.startSpan(ctx, "batch.claim", jobType, key)
	defer func() { endSpan(span, err) }()

	jobs, err := eng.leases.Claim(ctx, jobType, filter, maxExecutionTime, count, key)
	span.SetAttributes(attribute.Int("batch.claimed", len(jobs)))
	return jobs, err
}

// ClaimAlmostDone leases up to count ALMOST_DONE jobs of jobType matching
// filter to key.
func (eng *Engine) ClaimAlmostDone(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) (_ []*job.Job, err error) {
	ctx, span := eng.startSpan(ctx, "batch.claim_almost_done", jobType, key)
	defer func() { endSpan(span, err) }()

	jobs, err := eng.leases.ClaimAlmostDone(ctx, jobType, filter, maxExecutionTime, count, key)
	span.SetAttributes(attribute.Int("batch.claimed", len(jobs)))
	return jobs, err
}

// ClaimNotificationJobs claims notification jobs and reports the distinct
// partners they belong to.
func (eng *Engine) ClaimNotificationJobs(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter) (*NotificationClaim, error) {
	jobs, err := eng.ClaimJobs(ctx, key, maxExecutionTime, count, filter, job.TypeNotification)
	if err != nil {
		return nil, err
	}
	res := &NotificationClaim{Jobs: jobs, PartnerIDs: []int64{}}
	seen := make(map[int64]bool, len(jobs))
	for _, j := range jobs {
		if !seen[j.PartnerID] {
			seen[j.PartnerID] = true
			res.PartnerIDs = append(res.PartnerIDs, j.PartnerID)
		}
	}
	return res, nil
}

// UpdateJob merges delta into a job leased by key.
func (eng *Engine) UpdateJob(ctx context.Context, jobID id.JobID, key job.LockKey, delta job.Delta) (_ *job.Job, err error) {
	ctx, span := eng.startSpan(ctx, "batch.update", delta.Type, key)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("batch.job.id", jobID.String()))

	return eng.leases.Update(ctx, jobID, key, delta)
}

// FreeJob releases the lease key holds on jobID. The result carries the
// remaining queue size of the job's type so the caller can decide whether
// to keep polling.
func (eng *Engine) FreeJob(ctx context.Context, jobID id.JobID, key job.LockKey, jobType job.Type, resetAttempts bool, opts ...FreeOption) (_ *FreeResult, err error) {
	ctx, span := eng.startSpan(ctx, "batch.free", jobType, key)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("batch.job.id", jobID.String()))

	j, err := eng.leases.Free(ctx, jobID, key, lease.NewFreeOptions(jobType, resetAttempts, opts...))
	if err != nil {
		return nil, err
	}

	res := &FreeResult{Job: j, JobType: j.Type}
	size, err := eng.leases.QueueSize(ctx, j.Type, job.Filter{})
	if err != nil {
		// The free itself succeeded; report an empty queue rather than fail.
		eng.logger.Warn("queue size after free failed",
			slog.String("job_type", string(j.Type)),
			slog.String("error", err.Error()),
		)
		return res, nil
	}
	res.QueueSize = size
	return res, nil
}

// GetQueueSize counts queued jobs of jobType matching filter for the batch
// process (schedulerID, workerID).
func (eng *Engine) GetQueueSize(ctx context.Context, schedulerID, workerID int, jobType job.Type, filter job.Filter) (int64, error) {
	n, err := eng.leases.QueueSize(ctx, jobType, filter)
	if err != nil {
		return 0, err
	}
	eng.logger.Debug("queue size",
		slog.Int("scheduler_id", schedulerID),
		slog.Int("worker_id", workerID),
		slog.String("job_type", string(jobType)),
		slog.Int64("size", n),
	)
	return n, nil
}

// ResetExecutionAttempts zeroes the attempt counter of a job leased by key.
func (eng *Engine) ResetExecutionAttempts(ctx context.Context, jobID id.JobID, key job.LockKey, jobType job.Type) error {
	return eng.leases.ResetExecutionAttempts(ctx, jobID, key, jobType)
}

// ──────────────────────────────────────────────────
// Maintenance
// ──────────────────────────────────────────────────

// CleanExpiredJobs moves every job whose lease expired to RETRY or FATAL
// and returns how many moved.
func (eng *Engine) CleanExpiredJobs(ctx context.Context) (_ int, err error) {
	ctx, span := eng.tracer.Start(ctx, "batch.clean_expired")
	defer func() { endSpan(span, err) }()

	n, err := eng.leases.CleanExpired(ctx)
	span.SetAttributes(attribute.Int("batch.cleaned", n))
	return n, err
}

// RefreshPartnerLoad reconciles the partner load ledger with live leases.
// Failures are logged and never returned.
func (eng *Engine) RefreshPartnerLoad(ctx context.Context) load.RefreshResult {
	ctx, span := eng.tracer.Start(ctx, "batch.refresh_partner_load")
	defer span.End()

	start := time.Now()
	res := eng.ledger.Refresh(ctx)
	eng.extensions.EmitLoadRefreshed(ctx, res, time.Since(start))
	span.SetAttributes(
		attribute.Int("batch.load.inserted", res.Inserted),
		attribute.Int("batch.load.updated", res.Updated),
		attribute.Int("batch.load.deleted", res.Deleted),
	)
	return res
}

// PartnerLoads returns the materialized ledger rows for jobType, or all
// rows when jobType is empty.
func (eng *Engine) PartnerLoads(ctx context.Context, jobType job.Type) ([]*load.PartnerLoad, error) {
	return eng.store.ListPartnerLoads(ctx, jobType)
}

// ──────────────────────────────────────────────────
// Job records
// ──────────────────────────────────────────────────

// AddJob creates a PENDING job of a registered type with a pre-encoded
// payload. A parent must exist; the root is inherited from it.
func (eng *Engine) AddJob(ctx context.Context, jobType job.Type, payload []byte, opts ...job.SubmitOption) (*job.Job, error) {
	if _, ok := eng.registry.Lookup(jobType); !ok {
		return nil, fmt.Errorf("%w: %q", batch.ErrUnknownJobType, jobType)
	}
	var so job.SubmitOptions
	for _, opt := range opts {
		opt(&so)
	}

	now := eng.now()
	e := batch.NewEntity()
	e.CreatedAt, e.UpdatedAt = now, now
	j := &job.Job{
		Entity:    e,
		ID:        id.NewJobID(),
		Type:      jobType,
		PartnerID: so.PartnerID,
		Status:    job.StatusPending,
		ObjectID:  so.ObjectID,
		Priority:  so.Priority,
		Payload:   payload,
		RunAt:     now,
	}
	if !so.RunAt.IsZero() {
		j.RunAt = so.RunAt.UTC()
	}

	if so.ParentJobID != "" {
		parentID, err := id.ParseJobID(so.ParentJobID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", batch.ErrParentNotFound, err)
		}
		parent, err := eng.store.GetJob(ctx, parentID)
		if errors.Is(err, batch.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", batch.ErrParentNotFound, parentID)
		}
		if err != nil {
			return nil, err
		}
		j.ParentJobID = parent.ID
		j.RootJobID = parent.RootJobID
		if j.RootJobID.IsNil() {
			j.RootJobID = parent.ID
		}
	}

	if err := eng.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	eng.extensions.EmitJobCreated(ctx, j)
	return j, nil
}

// AddTypedJob encodes payload with the definition's codec and creates the
// job.
func AddTypedJob[T any](ctx context.Context, eng *Engine, def *job.Definition[T], payload T, opts ...job.SubmitOption) (*job.Job, error) {
	data, err := def.Encode(payload)
	if err != nil {
		return nil, err
	}
	return eng.AddJob(ctx, def.Type, data, opts...)
}

// GetJob returns a job by id.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// ListJobs lists jobs in creation order.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.store.ListJobs(ctx, opts)
}

// AbortJob cancels a job that has not reached a terminal status, dropping
// any lease it holds.
func (eng *Engine) AbortJob(ctx context.Context, jobID id.JobID, message string) (*job.Job, error) {
	j, err := eng.leases.Abort(ctx, jobID, message)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobAborted(ctx, j)
	return j, nil
}

// CheckFileExists reports whether path exists and, if so, whether its
// size equals size.
func (eng *Engine) CheckFileExists(path string, size int64) FileCheck {
	info, err := os.Stat(path)
	if err != nil {
		return FileCheck{}
	}
	return FileCheck{Exists: true, SizeOK: info.Size() == size}
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Service returns the underlying Service.
func (eng *Engine) Service() *batch.Service { return eng.svc }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// Ledger returns the partner load ledger.
func (eng *Engine) Ledger() *load.Ledger { return eng.ledger }

// Leases returns the lease manager.
func (eng *Engine) Leases() *lease.Manager { return eng.leases }

// Sweeper returns the maintenance sweeper, or nil when disabled.
func (eng *Engine) Sweeper() *sweeper.Sweeper { return eng.sweeper }

// Process returns this process's cluster registration record.
func (eng *Engine) Process() *cluster.Worker { return eng.process }

// Pool returns the in-process worker pool, or nil when not configured or
// not yet started.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// QueueManager returns the claim gate, or nil if no limits were configured.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// ──────────────────────────────────────────────────
// Tracing
// ──────────────────────────────────────────────────

func (eng *Engine) startSpan(ctx context.Context, name string, jobType job.Type, key job.LockKey) (context.Context, trace.Span) {
	return eng.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("batch.job.type", string(jobType)),
		attribute.Int("batch.scheduler_id", key.SchedulerID),
		attribute.Int("batch.worker_id", key.WorkerID),
		attribute.Int("batch.batch_index", key.BatchIndex),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var _ worker.Leaser = (*Engine)(nil)
