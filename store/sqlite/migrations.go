package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the batch sqlite store.
var Migrations = migrate.NewGroup("batch")

func init() {
	Migrations.MustRegister(
		// 001: Jobs and their lock projection.
		&migrate.Migration{
			Name:    "create_jobs_table",
			Version: "20260101120000",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS batch_jobs (
						id                  TEXT PRIMARY KEY,
						type                TEXT NOT NULL,
						partner_id          INTEGER NOT NULL DEFAULT 0,
						status              TEXT NOT NULL DEFAULT 'pending',
						parent_job_id       TEXT,
						root_job_id         TEXT,
						object_id           TEXT NOT NULL DEFAULT '',
						priority            INTEGER NOT NULL DEFAULT 0,
						execution_attempts  INTEGER NOT NULL DEFAULT 0,
						payload             BLOB,
						message             TEXT NOT NULL DEFAULT '',
						run_at              INTEGER NOT NULL,
						lease_scheduler_id  INTEGER,
						lease_worker_id     INTEGER,
						lease_batch_index   INTEGER,
						lease_expires_at    INTEGER,
						finished_at         INTEGER,
						created_at          INTEGER NOT NULL,
						updated_at          INTEGER NOT NULL
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_batch_jobs_claim
						ON batch_jobs (type, status, priority DESC, created_at ASC)
						WHERE lease_expires_at IS NULL`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_batch_jobs_lease_expiry
						ON batch_jobs (lease_expires_at)
						WHERE lease_expires_at IS NOT NULL`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_batch_jobs_lineage
						ON batch_jobs (root_job_id, parent_job_id)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS batch_jobs`)
				return err
			},
		},

		// 002: Materialized partner load ledger.
		&migrate.Migration{
			Name:    "create_partner_loads_table",
			Version: "20260101120001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS batch_partner_loads (
						partner_id     INTEGER NOT NULL,
						job_type       TEXT NOT NULL,
						load           INTEGER NOT NULL DEFAULT 0,
						weighted_load  REAL NOT NULL DEFAULT 0,
						updated_at     INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (partner_id, job_type)
					)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS batch_partner_loads`)
				return err
			},
		},

		// 003: Scheduler process registry.
		&migrate.Migration{
			Name:    "create_workers_table",
			Version: "20260101120002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS batch_workers (
						id              TEXT PRIMARY KEY,
						scheduler_id    INTEGER NOT NULL DEFAULT 0,
						hostname        TEXT NOT NULL DEFAULT '',
						job_types       TEXT NOT NULL DEFAULT '[]',
						slots           INTEGER NOT NULL DEFAULT 0,
						state           TEXT NOT NULL DEFAULT 'active',
						is_leader       INTEGER NOT NULL DEFAULT 0,
						leader_until    INTEGER,
						last_seen       INTEGER NOT NULL,
						metadata        TEXT NOT NULL DEFAULT '{}',
						created_at      INTEGER NOT NULL
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_batch_workers_stale
						ON batch_workers (last_seen)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS batch_workers`)
				return err
			},
		},
	)
}
