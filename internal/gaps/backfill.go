package gaps

import (
	"context"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/ingest"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// Ingestor re-fetches raw ticks for a repair range.
type Ingestor interface {
	Run(ctx context.Context, symbol string, from, to time.Time) (ingest.Report, error)
}

// Refresher rebuilds and re-materializes candles over a repaired
// range, typically cascade.Build followed by the materializer.
type Refresher func(ctx context.Context, symbol string, from, to time.Time) error

type Backfiller struct {
	ingestor Ingestor
	refresh  Refresher
	logger   logger.Logger
}

func NewBackfiller(ingestor Ingestor, refresh Refresher, logger logger.Logger) *Backfiller {
	return &Backfiller{ingestor: ingestor, refresh: refresh, logger: logger}
}

// Report is the outcome of one backfill pass. Gaps carries every
// input gap with its final status; Failed collects per-range errors
// without aborting the remaining gaps.
type Report struct {
	Gaps     []model.GapRecord
	Resolved int
	Failed   []ingest.RangeError
}

func (r Report) OK() bool { return len(r.Failed) == 0 }

// Run repairs the given gaps in order. DryRun reports the plan
// without touching the feed or the stores. Cancellation is honored
// between gaps only; a gap that has started repairing runs to
// completion so no partition is left half-written.
func (b *Backfiller) Run(ctx context.Context, gaps []model.GapRecord, dryRun bool) (Report, error) {
	report := Report{Gaps: make([]model.GapRecord, len(gaps))}
	copy(report.Gaps, gaps)

	if dryRun {
		for _, g := range report.Gaps {
			b.logger.Infof("would backfill %s [%s, %s) (%s)", g.Symbol,
				g.RangeStart.Format(time.RFC3339), g.RangeEnd.Format(time.RFC3339), g.Duration())
		}
		return report, nil
	}

	for i := range report.Gaps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		b.repair(ctx, &report.Gaps[i], &report)
	}

	if !report.OK() {
		b.logger.Warnf("backfill finished with %d failed ranges", len(report.Failed))
	}
	return report, nil
}

func (b *Backfiller) repair(ctx context.Context, gap *model.GapRecord, report *Report) {
	gap.Status = model.GapRepairing
	b.logger.Infof("backfilling %s [%s, %s)", gap.Symbol,
		gap.RangeStart.Format(time.RFC3339), gap.RangeEnd.Format(time.RFC3339))

	ingested, err := b.ingestor.Run(ctx, gap.Symbol, gap.RangeStart, gap.RangeEnd)
	report.Failed = append(report.Failed, ingested.Failed...)
	if err != nil || !ingested.OK() {
		gap.Status = model.GapPending
		return
	}

	if err := b.refresh(ctx, gap.Symbol, gap.RangeStart, gap.RangeEnd); err != nil {
		gap.Status = model.GapPending
		report.Failed = append(report.Failed, ingest.RangeError{
			Start: gap.RangeStart, End: gap.RangeEnd, Err: err.Error(),
		})
		return
	}

	gap.Status = model.GapResolved
	report.Resolved++
}
