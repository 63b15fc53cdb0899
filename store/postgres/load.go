package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// AggregateLeaseLoads counts live leases per partner and job type.
func (s *Store) AggregateLeaseLoads(ctx context.Context, now time.Time) ([]*load.PartnerLoad, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partner_id, type, COUNT(*)
		FROM batch_jobs
		WHERE lease_expires_at > $1
		GROUP BY partner_id, type
		ORDER BY type ASC, partner_id ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: aggregate lease loads: %w", err)
	}
	defer rows.Close()

	var result []*load.PartnerLoad
	for rows.Next() {
		var (
			pl  load.PartnerLoad
			typ string
		)
		if err := rows.Scan(&pl.PartnerID, &typ, &pl.Load); err != nil {
			return nil, fmt.Errorf("batch/postgres: scan lease load: %w", err)
		}
		pl.JobType = job.Type(typ)
		result = append(result, &pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch/postgres: iterate lease loads: %w", err)
	}
	return result, nil
}

// ListPartnerLoads returns materialized rows, optionally for one job type.
func (s *Store) ListPartnerLoads(ctx context.Context, jobType job.Type) ([]*load.PartnerLoad, error) {
	var (
		rows pgx.Rows
		err  error
	)
	const cols = `SELECT partner_id, job_type, load, weighted_load, updated_at FROM batch_partner_loads`
	if jobType == "" {
		rows, err = s.pool.Query(ctx, cols+` ORDER BY job_type ASC, partner_id ASC`)
	} else {
		rows, err = s.pool.Query(ctx, cols+` WHERE job_type = $1 ORDER BY partner_id ASC`, string(jobType))
	}
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: list partner loads: %w", err)
	}
	defer rows.Close()

	var result []*load.PartnerLoad
	for rows.Next() {
		var (
			pl  load.PartnerLoad
			typ string
		)
		if err := rows.Scan(&pl.PartnerID, &typ, &pl.Load, &pl.WeightedLoad, &pl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("batch/postgres: scan partner load: %w", err)
		}
		pl.JobType = job.Type(typ)
		pl.UpdatedAt = pl.UpdatedAt.UTC()
		result = append(result, &pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch/postgres: iterate partner loads: %w", err)
	}
	return result, nil
}

// UpsertPartnerLoad inserts or replaces a ledger row.
func (s *Store) UpsertPartnerLoad(ctx context.Context, pl *load.PartnerLoad) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_partner_loads (partner_id, job_type, load, weighted_load, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partner_id, job_type) DO UPDATE SET
			load = EXCLUDED.load,
			weighted_load = EXCLUDED.weighted_load,
			updated_at = EXCLUDED.updated_at`,
		pl.PartnerID, string(pl.JobType), pl.Load, pl.WeightedLoad, pl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("batch/postgres: upsert partner load: %w", err)
	}
	return nil
}

// DeletePartnerLoad removes a ledger row.
func (s *Store) DeletePartnerLoad(ctx context.Context, partnerID int64, jobType job.Type) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM batch_partner_loads WHERE partner_id = $1 AND job_type = $2`,
		partnerID, string(jobType),
	)
	if err != nil {
		return fmt.Errorf("batch/postgres: delete partner load: %w", err)
	}
	return nil
}
