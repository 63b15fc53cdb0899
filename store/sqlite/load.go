package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// AggregateLeaseLoads counts live leases per partner and job type.
func (s *Store) AggregateLeaseLoads(ctx context.Context, now time.Time) ([]*load.PartnerLoad, error) {
	var models []partnerLoadModel
	err := s.sdb.NewRaw(`
		SELECT partner_id, type AS job_type, COUNT(*) AS load,
		       0 AS weighted_load, 0 AS updated_at
		FROM batch_jobs
		WHERE lease_expires_at > ?
		GROUP BY partner_id, type
		ORDER BY type ASC, partner_id ASC`,
		toNanos(now),
	).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: aggregate lease loads: %w", err)
	}

	return fromPartnerLoadModels(models), nil
}

// ListPartnerLoads returns materialized rows, optionally for one job type.
func (s *Store) ListPartnerLoads(ctx context.Context, jobType job.Type) ([]*load.PartnerLoad, error) {
	var models []partnerLoadModel
	q := s.sdb.NewSelect(&models)
	if jobType != "" {
		q = q.Where("job_type = ?", string(jobType))
	}
	q = q.OrderExpr("job_type ASC, partner_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("batch/sqlite: list partner loads: %w", err)
	}
	return fromPartnerLoadModels(models), nil
}

// UpsertPartnerLoad inserts or replaces a ledger row.
func (s *Store) UpsertPartnerLoad(ctx context.Context, pl *load.PartnerLoad) error {
	m := toPartnerLoadModel(pl)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(partner_id, job_type) DO UPDATE").
		Set("load = EXCLUDED.load").
		Set("weighted_load = EXCLUDED.weighted_load").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: upsert partner load: %w", err)
	}
	return nil
}

// DeletePartnerLoad removes a ledger row.
func (s *Store) DeletePartnerLoad(ctx context.Context, partnerID int64, jobType job.Type) error {
	_, err := s.sdb.NewDelete((*partnerLoadModel)(nil)).
		Where("partner_id = ? AND job_type = ?", partnerID, string(jobType)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: delete partner load: %w", err)
	}
	return nil
}
