// Package load maintains the partner load ledger: per (partner, job type)
// counts of live leases, scaled by fairness weights and materialized so the
// queue selector can bias claims away from heavy tenants.
//
// The ledger is a cache. Every row is derivable from lease state, and
// Refresh rebuilds it by reconciling the store's aggregate against the
// materialized table.
package load

import (
	"context"
	"time"

	"github.com/xraph/batch/job"
)

// PartnerLoad is one materialized ledger row.
type PartnerLoad struct {
	PartnerID    int64     `json:"partner_id"`
	JobType      job.Type  `json:"job_type"`
	Load         int64     `json:"load"`
	WeightedLoad float64   `json:"weighted_load"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type key struct {
	partnerID int64
	jobType   job.Type
}

func (pl *PartnerLoad) key() key { return key{pl.PartnerID, pl.JobType} }

// Store defines the persistence contract for the ledger.
type Store interface {
	// AggregateLeaseLoads counts leases live at now, grouped by partner
	// and job type. Only PartnerID, JobType, and Load are populated.
	AggregateLeaseLoads(ctx context.Context, now time.Time) ([]*PartnerLoad, error)

	// ListPartnerLoads returns materialized rows for jobType, or all rows
	// when jobType is empty.
	ListPartnerLoads(ctx context.Context, jobType job.Type) ([]*PartnerLoad, error)

	// UpsertPartnerLoad inserts or replaces the row for (PartnerID, JobType).
	UpsertPartnerLoad(ctx context.Context, pl *PartnerLoad) error

	// DeletePartnerLoad removes the row for (partnerID, jobType).
	DeletePartnerLoad(ctx context.Context, partnerID int64, jobType job.Type) error
}
