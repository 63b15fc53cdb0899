package extension

import (
	"log/slog"

	"github.com/xraph/relay"

	"github.com/xraph/batch"
	"github.com/xraph/batch/backoff"
	"github.com/xraph/batch/dwp"
	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/job"
	mw "github.com/xraph/batch/middleware"
	"github.com/xraph/batch/queue"
	relayhook "github.com/xraph/batch/relay_hook"
	"github.com/xraph/batch/stream"
)

// ExtOption configures the batch Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend via a service option.
func WithStore(s batch.Storer) ExtOption {
	return func(e *Extension) {
		e.batchOpts = append(e.batchOpts, batch.WithStore(s))
	}
}

// WithSchedulerID sets the scheduler identity used in lock keys.
func WithSchedulerID(id int) ExtOption {
	return func(e *Extension) {
		e.batchOpts = append(e.batchOpts, batch.WithSchedulerID(id))
	}
}

// WithExtension registers a batch extension (lifecycle hooks).
func WithExtension(x ext.Extension) ExtOption {
	return func(e *Extension) {
		e.exts = append(e.exts, x)
	}
}

// WithMiddleware adds job middleware to the in-process batch process.
func WithMiddleware(m mw.Middleware) ExtOption {
	return func(e *Extension) {
		e.mws = append(e.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy.
func WithBackoff(b backoff.Strategy) ExtOption {
	return func(e *Extension) {
		e.bo = b
	}
}

// WithQueueConfig sets per job type claim limits.
func WithQueueConfig(configs ...queue.Config) ExtOption {
	return func(e *Extension) {
		e.queueConfigs = append(e.queueConfigs, configs...)
	}
}

// WithJobType registers a job type served by remote batch processes.
func WithJobType(t job.Type, opts ...job.Option) ExtOption {
	return func(e *Extension) {
		e.jobTypes = append(e.jobTypes, typeRegistration{t: t, opts: opts})
	}
}

// WithBasePath sets the URL prefix for all batch routes.
func WithBasePath(path string) ExtOption {
	return func(e *Extension) {
		e.config.BasePath = path
	}
}

// WithConfig sets the extension configuration directly.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithDisableRoutes disables the registration of HTTP routes.
func WithDisableRoutes() ExtOption {
	return func(e *Extension) {
		e.config.DisableRoutes = true
	}
}

// WithDisableMigrate disables auto-migration on start.
func WithDisableMigrate() ExtOption {
	return func(e *Extension) {
		e.config.DisableMigrate = true
	}
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) ExtOption {
	return func(e *Extension) {
		e.config.RequireConfig = require
	}
}

// WithLogger sets the structured logger for the batch engine.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = l
	}
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension will auto-construct the appropriate store backend (sqlite/mongo)
// based on the grove driver type. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) ExtOption {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}

// WithPostgres connects the pgx-backed store on Register.
func WithPostgres(url string) ExtOption {
	return func(e *Extension) {
		e.config.PostgresURL = url
	}
}

// WithRedis connects the Redis-backed store on Register.
func WithRedis(addr string) ExtOption {
	return func(e *Extension) {
		e.config.RedisAddr = addr
	}
}

// WithDWP mounts the wire protocol endpoints for remote batch processes.
func WithDWP(opts ...dwp.Option) ExtOption {
	return func(e *Extension) {
		e.config.EnableDWP = true
		e.dwpOpts = append(e.dwpOpts, opts...)
	}
}

// WithEventStream lets DWP sessions subscribe to lease lifecycle events.
func WithEventStream(opts ...stream.BrokerOption) ExtOption {
	return func(e *Extension) {
		e.config.EnableEvents = true
		e.brokerOpts = append(e.brokerOpts, opts...)
	}
}

// WithRelay delivers lease lifecycle events as webhooks through r.
// The batch event types are registered in the Relay catalog on Start.
func WithRelay(r *relay.Relay, opts ...relayhook.Option) ExtOption {
	return func(e *Extension) {
		e.relay = r
		e.relayOpts = append(e.relayOpts, opts...)
	}
}

// WithWorkerPool runs an in-process batch process with the given id and
// slot count.
func WithWorkerPool(workerID, slots int) ExtOption {
	return func(e *Extension) {
		e.config.WorkerID = workerID
		e.config.Slots = slots
	}
}
