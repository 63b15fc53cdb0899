package batch

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Service.
type Option func(*Service) error

// Storer is the minimal store interface held by the Service.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background component lifecycle.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Service is the central holder of configuration, logging, and the
// store for a batch scheduler process.
//
// Create one with New() and functional options, then hand it to
// engine.Build which wires the lease manager, selector, ledger, and
// sweeper around it.
type Service struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	sweeper    runner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Service with the given options.
func New(opts ...Option) (*Service, error) {
	svc := &Service{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Logger returns the service's logger.
func (svc *Service) Logger() *slog.Logger { return svc.logger }

// Store returns the service's store.
func (svc *Service) Store() Storer { return svc.store }

// Config returns a copy of the service's configuration.
func (svc *Service) Config() Config { return svc.config }

// SetSweeper sets the maintenance runner (called by the engine package).
func (svc *Service) SetSweeper(r runner) { svc.sweeper = r }

// SetExtensions sets the extension emitter (called by the engine package).
func (svc *Service) SetExtensions(e extensionEmitter) { svc.extensions = e }

// Start begins background maintenance.
func (svc *Service) Start(ctx context.Context) error {
	if svc.store == nil {
		return ErrNoStore
	}
	if svc.sweeper != nil {
		if err := svc.sweeper.Start(ctx); err != nil {
			return err
		}
	}
	svc.started = true
	return nil
}

// Stop gracefully shuts down the service.
func (svc *Service) Stop(ctx context.Context) error {
	if svc.sweeper != nil && svc.started {
		if err := svc.sweeper.Stop(ctx); err != nil {
			svc.logger.Error("sweeper stop error", slog.String("error", err.Error()))
		}
	}
	if svc.extensions != nil {
		svc.extensions.EmitShutdown(ctx)
	}
	if svc.store != nil {
		return svc.store.Close()
	}
	return nil
}

// WithSchedulerID sets the scheduler identity used in lock keys.
func WithSchedulerID(schedulerID int) Option {
	return func(svc *Service) error {
		svc.config.SchedulerID = schedulerID
		return nil
	}
}

// WithMaxAttempts sets the default attempt ceiling for job types that do
// not declare one.
func WithMaxAttempts(n int) Option {
	return func(svc *Service) error {
		svc.config.DefaultMaxAttempts = n
		return nil
	}
}

// WithMaxExecutionTime sets the default lease duration.
func WithMaxExecutionTime(dur time.Duration) Option {
	return func(svc *Service) error {
		svc.config.DefaultMaxExecutionTime = dur
		return nil
	}
}

// WithSchedules sets the cron schedules for the expiration reaper and the
// partner load refresh. Empty values keep the defaults.
func WithSchedules(cleanExpired, refreshLoad string) Option {
	return func(svc *Service) error {
		if cleanExpired != "" {
			svc.config.CleanExpiredSchedule = cleanExpired
		}
		if refreshLoad != "" {
			svc.config.RefreshLoadSchedule = refreshLoad
		}
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(svc *Service) error {
		svc.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) error {
		svc.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the service.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(svc *Service) error {
		svc.store = s
		return nil
	}
}
