package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// JobTable persists refresh jobs. The is_running flag is the system's
// sole mutual-exclusion primitive; Claim must be atomic.
type JobTable interface {
	Upsert(ctx context.Context, job model.RefreshJob) error
	Due(ctx context.Context, now time.Time) ([]model.RefreshJob, error)
	// Claim flips is_running for a due job. It succeeds for a stopped
	// job or for one whose lease went stale before staleBefore.
	Claim(ctx context.Context, name string, now, staleBefore time.Time) (bool, error)
	Finish(ctx context.Context, name string, lastRun, nextRun time.Time) error
}

// PGJobTable is the postgres job table.
type PGJobTable struct {
	db *sqlx.DB
}

func NewPGJobTable(db *sqlx.DB) *PGJobTable {
	return &PGJobTable{db: db}
}

const _createJobTable = `CREATE TABLE IF NOT EXISTS refresh_jobs (
	job_name         TEXT        PRIMARY KEY,
	interval_seconds BIGINT      NOT NULL,
	last_run         TIMESTAMPTZ,
	next_run         TIMESTAMPTZ NOT NULL,
	is_running       BOOLEAN     NOT NULL DEFAULT FALSE,
	started_at       TIMESTAMPTZ,
	enabled          BOOLEAN     NOT NULL DEFAULT TRUE
)`

func (t *PGJobTable) EnsureSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, _createJobTable); err != nil {
		return fmt.Errorf("%w: can't create refresh_jobs table", err)
	}
	return nil
}

const _upsertJob = `INSERT INTO refresh_jobs (
			job_name, interval_seconds, next_run, enabled
		) VALUES ($1,$2,$3,$4)
		ON CONFLICT (job_name)
		DO UPDATE SET
			interval_seconds = EXCLUDED.interval_seconds,
			enabled = EXCLUDED.enabled;`

func (t *PGJobTable) Upsert(ctx context.Context, job model.RefreshJob) error {
	if _, err := t.db.ExecContext(ctx, _upsertJob,
		job.JobName, job.IntervalSeconds, job.NextRun.UTC(), job.Enabled,
	); err != nil {
		return fmt.Errorf("%w: can't upsert refresh job", err)
	}
	return nil
}

const _queryDue = `SELECT job_name, interval_seconds, last_run, next_run, is_running, started_at, enabled
		FROM refresh_jobs
		WHERE enabled AND next_run <= $1
		ORDER BY next_run ASC`

func (t *PGJobTable) Due(ctx context.Context, now time.Time) ([]model.RefreshJob, error) {
	var jobs []model.RefreshJob
	if err := t.db.SelectContext(ctx, &jobs, _queryDue, now.UTC()); err != nil {
		return nil, fmt.Errorf("%w: can't query due jobs", err)
	}
	return jobs, nil
}

const _claimJob = `UPDATE refresh_jobs
		SET is_running = TRUE, started_at = $2
		WHERE job_name = $1 AND enabled
			AND (is_running = FALSE OR started_at < $3)`

func (t *PGJobTable) Claim(ctx context.Context, name string, now, staleBefore time.Time) (bool, error) {
	res, err := t.db.ExecContext(ctx, _claimJob, name, now.UTC(), staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("%w: can't claim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: can't read claim result", err)
	}
	return n == 1, nil
}

const _finishJob = `UPDATE refresh_jobs
		SET is_running = FALSE, started_at = NULL, last_run = $2, next_run = $3
		WHERE job_name = $1`

func (t *PGJobTable) Finish(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	if _, err := t.db.ExecContext(ctx, _finishJob, name, lastRun.UTC(), nextRun.UTC()); err != nil {
		return fmt.Errorf("%w: can't finish job", err)
	}
	return nil
}
