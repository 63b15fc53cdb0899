package batch

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("batch: no store configured")
	ErrStoreClosed     = errors.New("batch: store closed")
	ErrMigrationFailed = errors.New("batch: migration failed")

	// Not found errors.
	ErrJobNotFound    = errors.New("batch: job not found")
	ErrParentNotFound = errors.New("batch: parent job not found")
	ErrWorkerNotFound = errors.New("batch: worker not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("batch: job already exists")

	// Lease errors.
	ErrLeaseNotHeld = errors.New("batch: lease not held")
	ErrWrongJobType = errors.New("batch: wrong job type")
	ErrLeaseLost    = errors.New("batch: lease lost to a concurrent caller")

	// State errors.
	ErrInvalidStatus  = errors.New("batch: invalid status transition")
	ErrUnknownJobType = errors.New("batch: unknown job type")

	// Cluster errors.
	ErrLeadershipLost = errors.New("batch: leadership lost")
	ErrNotLeader      = errors.New("batch: not the leader")
)
