package batch

import "time"

// Config holds configuration for the Service.
type Config struct {
	// SchedulerID identifies this scheduler process in lock keys and in
	// the cluster registry.
	SchedulerID int

	// DefaultMaxAttempts is the attempt ceiling for job types that do not
	// declare their own.
	DefaultMaxAttempts int

	// DefaultMaxExecutionTime is used when a claim does not specify a
	// lease duration and the job type declares none.
	DefaultMaxExecutionTime time.Duration

	// CandidateFactor multiplies the requested claim count to size the
	// candidate window fetched from the lock projection.
	CandidateFactor int

	// MinCandidateWindow is the smallest candidate window ever fetched.
	MinCandidateWindow int

	// ReapBatchSize is how many expired leases are read per page while
	// cleaning.
	ReapBatchSize int

	// LoadCacheTTL bounds how stale the selector's partner load snapshot
	// may become before it is re-read from the store.
	LoadCacheTTL time.Duration

	// CleanExpiredSchedule is the cron schedule for the expiration reaper.
	CleanExpiredSchedule string

	// RefreshLoadSchedule is the cron schedule for the partner load refresh.
	RefreshLoadSchedule string

	// LeaderTTL is how long a leadership claim remains valid without renewal.
	LeaderTTL time.Duration

	// HeartbeatInterval is how often this process heartbeats its cluster
	// registration.
	HeartbeatInterval time.Duration

	// DeadWorkerThreshold is how long a process may go without a heartbeat
	// before the leader deregisters it.
	DeadWorkerThreshold time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts:      3,
		DefaultMaxExecutionTime: 5 * time.Minute,
		CandidateFactor:         4,
		MinCandidateWindow:      32,
		ReapBatchSize:           100,
		LoadCacheTTL:            5 * time.Second,
		CleanExpiredSchedule:    "@every 30s",
		RefreshLoadSchedule:     "@every 1m",
		LeaderTTL:               15 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		DeadWorkerThreshold:     time.Minute,
		ShutdownTimeout:         30 * time.Second,
	}
}
