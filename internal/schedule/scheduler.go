package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

type JobFunc func(ctx context.Context) error

const _minStaleLease = 5 * time.Minute

// staleAfter is the lease staleness window: a run still flagged after
// twice its interval is treated as crashed and reclaimable.
func staleAfter(interval time.Duration) time.Duration {
	d := 2 * interval
	if d < _minStaleLease {
		d = _minStaleLease
	}
	return d
}

// Scheduler decouples "when" from "what": the native timer can only
// fire one generic trigger, so it fires Poll, which scans due jobs in
// the job table and dispatches each to its registered func by name.
// At most one execution per job name is in flight at any time.
type Scheduler struct {
	table JobTable
	cron  *cron.Cron

	mu   sync.RWMutex
	jobs map[string]JobFunc

	// boundaryStep > 0 aligns each execution to the next wall-clock
	// boundary, trading a little latency for reproducible run timings.
	boundaryStep time.Duration

	logger logger.Logger
}

func New(table JobTable, logger logger.Logger) *Scheduler {
	return &Scheduler{
		table:  table,
		cron:   cron.New(cron.WithSeconds()),
		jobs:   map[string]JobFunc{},
		logger: logger,
	}
}

// AlignToBoundary makes every execution wait for the next multiple of
// step past the minute before running.
func (s *Scheduler) AlignToBoundary(step time.Duration) {
	s.boundaryStep = step
}

// Register records the job row and its dispatch target. The first run
// is due immediately.
func (s *Scheduler) Register(ctx context.Context, name string, interval time.Duration, fn JobFunc) error {
	s.mu.Lock()
	s.jobs[name] = fn
	s.mu.Unlock()

	return s.table.Upsert(ctx, model.RefreshJob{
		JobName:         name,
		IntervalSeconds: int64(interval / time.Second),
		NextRun:         time.Now().UTC(),
		Enabled:         true,
	})
}

// Start wires the poller to the timer and begins polling every
// pollEvery until ctx is done.
func (s *Scheduler) Start(ctx context.Context, pollEvery time.Duration) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", pollEvery), func() {
		s.Poll(ctx)
	}); err != nil {
		return fmt.Errorf("%w: can't register poller", err)
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Poll scans due, non-running jobs and executes them. Exported so
// operational tooling can force a scan.
func (s *Scheduler) Poll(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.table.Due(ctx, now)
	if err != nil {
		s.logger.Errorf("%s: can't scan due jobs", err)
		return
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job model.RefreshJob) {
	s.mu.RLock()
	fn, ok := s.jobs[job.JobName]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warnf("job %s has no registered func, skipping", job.JobName)
		return
	}

	now := time.Now().UTC()
	claimed, err := s.table.Claim(ctx, job.JobName, now, now.Add(-staleAfter(job.Interval())))
	if err != nil {
		s.logger.Errorf("%s: can't claim job %s", err, job.JobName)
		return
	}
	if !claimed {
		// A concurrent trigger got there first; never interleave.
		s.logger.Debugf("job %s already running, skipped", job.JobName)
		return
	}

	if s.boundaryStep > 0 {
		if err := waitForBoundary(ctx, s.boundaryStep); err != nil {
			s.finish(ctx, job, now)
			return
		}
	}

	if err := fn(ctx); err != nil {
		s.logger.Errorf("%s: job %s failed", err, job.JobName)
	}
	s.finish(ctx, job, now)
}

func (s *Scheduler) finish(ctx context.Context, job model.RefreshJob, ranAt time.Time) {
	if err := s.table.Finish(ctx, job.JobName, ranAt, ranAt.Add(job.Interval())); err != nil {
		s.logger.Errorf("%s: can't finish job %s", err, job.JobName)
	}
}

// waitForBoundary sleeps until the next wall-clock multiple of step.
func waitForBoundary(ctx context.Context, step time.Duration) error {
	now := time.Now()
	wait := now.Truncate(step).Add(step).Sub(now)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
