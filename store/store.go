package store

import (
	"context"

	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Store is the aggregate persistence interface. A single backend
// implements the job, ledger, and cluster contracts.
type Store interface {
	job.Store
	load.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources the store owns.
	Close() error
}
