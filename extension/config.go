package extension

import "github.com/xraph/batch"

// Config holds configuration for the batch Forge extension.
type Config struct {
	// BasePath is the URL prefix for all batch API routes.
	BasePath string `default:"/api/batch" json:"base_path"`

	// DisableRoutes disables the registration of HTTP routes.
	// Useful when embedding batch for background maintenance only.
	DisableRoutes bool `default:"false" json:"disable_routes"`

	// DisableMigrate disables auto-migration on start.
	DisableMigrate bool `default:"false" json:"disable_migrate"`

	// RequireConfig makes Register fail when no config key is present.
	RequireConfig bool `json:"-"`

	// GroveDatabase names the grove.DB to resolve from the container. The
	// store backend follows the grove driver (sqlite or mongo).
	GroveDatabase string `json:"grove_database,omitempty"`

	// PostgresURL, when set, connects the pgx-backed store.
	PostgresURL string `json:"postgres_url,omitempty"`

	// RedisAddr, when set, connects the Redis-backed store.
	RedisAddr string `json:"redis_addr,omitempty"`

	// EnableDWP mounts the wire protocol endpoints for remote batch
	// processes.
	EnableDWP bool `json:"enable_dwp"`

	// EnableEvents attaches a stream broker so DWP sessions can subscribe
	// to lease lifecycle events. It has no effect without EnableDWP.
	EnableEvents bool `json:"enable_events"`

	// DWPBasePath overrides the wire protocol mount path.
	DWPBasePath string `json:"dwp_base_path,omitempty"`

	// WorkerID, when positive, runs an in-process batch process with this
	// id next to the engine.
	WorkerID int `json:"worker_id,omitempty"`

	// Slots is the slot count of the in-process batch process.
	Slots int `json:"slots,omitempty"`

	// Batch holds the core scheduler configuration. Zero fields keep
	// their defaults.
	Batch batch.Config `json:"batch"`
}

// DefaultConfig returns the default extension configuration.
func DefaultConfig() Config {
	return Config{
		BasePath: "/api/batch",
		Slots:    4,
		Batch:    batch.DefaultConfig(),
	}
}

// mergeBatchConfig fills zero fields of cfg from the defaults.
func mergeBatchConfig(cfg batch.Config) batch.Config {
	d := batch.DefaultConfig()
	if cfg.SchedulerID == 0 {
		cfg.SchedulerID = d.SchedulerID
	}
	if cfg.DefaultMaxAttempts == 0 {
		cfg.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if cfg.DefaultMaxExecutionTime == 0 {
		cfg.DefaultMaxExecutionTime = d.DefaultMaxExecutionTime
	}
	if cfg.CandidateFactor == 0 {
		cfg.CandidateFactor = d.CandidateFactor
	}
	if cfg.MinCandidateWindow == 0 {
		cfg.MinCandidateWindow = d.MinCandidateWindow
	}
	if cfg.ReapBatchSize == 0 {
		cfg.ReapBatchSize = d.ReapBatchSize
	}
	if cfg.LoadCacheTTL == 0 {
		cfg.LoadCacheTTL = d.LoadCacheTTL
	}
	if cfg.CleanExpiredSchedule == "" {
		cfg.CleanExpiredSchedule = d.CleanExpiredSchedule
	}
	if cfg.RefreshLoadSchedule == "" {
		cfg.RefreshLoadSchedule = d.RefreshLoadSchedule
	}
	if cfg.LeaderTTL == 0 {
		cfg.LeaderTTL = d.LeaderTTL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.DeadWorkerThreshold == 0 {
		cfg.DeadWorkerThreshold = d.DeadWorkerThreshold
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return cfg
}
