package model

import (
	"database/sql"
	"time"
)

// RefreshJob is one row of the refresh job table, the process-wide
// singleton per job name. IsRunning is the sole mutual-exclusion
// primitive; StartedAt makes a crashed run reclaimable after a
// staleness window.
type RefreshJob struct {
	JobName         string       `db:"job_name"`
	IntervalSeconds int64        `db:"interval_seconds"`
	LastRun         sql.NullTime `db:"last_run"`
	NextRun         time.Time    `db:"next_run"`
	IsRunning       bool         `db:"is_running"`
	StartedAt       sql.NullTime `db:"started_at"`
	Enabled         bool         `db:"enabled"`
}

func (j RefreshJob) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}
