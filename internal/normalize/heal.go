package normalize

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/archive"
	"github.com/sf19-97/SPtraderB-sub003/internal/feed"
	"github.com/sf19-97/SPtraderB-sub003/internal/ingest"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// HealOptions describe a corrected ingestion config for one replay.
// Offset is the correction added to upstream timestamps and SourceTZ
// the label stamped on rebuilt manifests. Both are explicit operator
// input: healing never guesses what went wrong.
type HealOptions struct {
	SourceTZ string
	Offset   time.Duration
	DryRun   bool
	// DeleteSource also removes the partitions outside the healed day
	// that the mis-shifted ticks originally landed in. Destructive:
	// those partitions may hold legitimate neighbouring-day data too.
	DeleteSource bool
}

// Healer rebuilds mis-ingested partitions by replaying the upstream
// feed under corrected options and atomically replacing the archived
// day, payload first and manifest last, hour by hour.
type Healer struct {
	fetcher ingest.Fetcher
	store   *archive.Store
	logger  logger.Logger
}

func NewHealer(fetcher ingest.Fetcher, store *archive.Store, logger logger.Logger) *Healer {
	return &Healer{fetcher: fetcher, store: store, logger: logger}
}

type HealReport struct {
	Rebuilt []string
	Removed []string
	Skipped []time.Time
	Failed  []ingest.RangeError
}

func (r HealReport) OK() bool { return len(r.Failed) == 0 }

// Heal replays one UTC day for symbol. Upstream hours are fetched
// with the offset applied, ticks are re-bucketed into corrected hour
// partitions, and every partition of the day that is fully backed by
// successful fetches is rewritten. Hours whose upstream source failed
// or is not yet available are skipped, never half-written.
func (h *Healer) Heal(ctx context.Context, symbol string, day time.Time, opts HealOptions) (HealReport, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	dayEnd := day.Add(24 * time.Hour)

	fetchFrom := day.Add(-opts.Offset).Truncate(time.Hour)
	fetchTo := dayEnd.Add(-opts.Offset)

	var (
		report  HealReport
		byHour  = make(map[time.Time][]model.Tick)
		tainted = make(map[time.Time]struct{})
	)

	for src := fetchFrom; src.Before(fetchTo); src = src.Add(time.Hour) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ticks, err := h.fetcher.FetchHour(ctx, symbol, src)
		switch {
		case errors.Is(err, feed.ErrNotYetAvailable):
			taintTargets(tainted, src, opts.Offset, day, dayEnd)
			report.Skipped = append(report.Skipped, src)
			continue
		case err != nil:
			taintTargets(tainted, src, opts.Offset, day, dayEnd)
			report.Failed = append(report.Failed, ingest.RangeError{
				Start: src, End: src.Add(time.Hour), Err: err.Error(),
			})
			continue
		}

		for _, t := range ticks {
			t.Ts = t.Ts.Add(opts.Offset)
			if t.Ts.Before(day) || !t.Ts.Before(dayEnd) {
				continue
			}
			target := t.Ts.UTC().Truncate(time.Hour)
			byHour[target] = append(byHour[target], t)
		}
	}

	for target := day; target.Before(dayEnd); target = target.Add(time.Hour) {
		if _, bad := tainted[target]; bad {
			continue
		}
		ticks := dedupeByTs(byHour[target])

		if opts.DryRun {
			h.logger.Infof("would rebuild %s %s with %d ticks (source tz %s)",
				symbol, target.Format(time.RFC3339), len(ticks), opts.SourceTZ)
			continue
		}
		m, err := h.store.WritePartition(symbol, target, ticks, opts.SourceTZ)
		if err != nil {
			report.Failed = append(report.Failed, ingest.RangeError{
				Start: target, End: target.Add(time.Hour), Err: err.Error(),
			})
			continue
		}
		report.Rebuilt = append(report.Rebuilt, m.PartitionKey)
	}
	sort.Strings(report.Rebuilt)

	if opts.DeleteSource && opts.Offset != 0 {
		h.removeSpill(symbol, day, dayEnd, opts, &report)
	}

	h.logger.Infof("healed %s %s: %d partitions rebuilt, %d upstream hours unavailable, %d failed",
		symbol, day.Format("2006-01-02"), len(report.Rebuilt), len(report.Skipped), len(report.Failed))
	return report, nil
}

// removeSpill drops the partitions neighbouring the healed day where
// the mis-shifted ticks were originally written. With a positive
// offset the bad data sat earlier than the truth, with a negative one
// later.
func (h *Healer) removeSpill(symbol string, day, dayEnd time.Time, opts HealOptions, report *HealReport) {
	spillFrom, spillTo := day.Add(-opts.Offset), day
	if opts.Offset < 0 {
		spillFrom, spillTo = dayEnd, dayEnd.Add(-opts.Offset)
	}

	for hour := spillFrom.Truncate(time.Hour); hour.Before(spillTo); hour = hour.Add(time.Hour) {
		if !hour.Before(day) && hour.Before(dayEnd) {
			continue
		}
		if !h.store.HasPartition(symbol, hour) {
			continue
		}
		if opts.DryRun {
			h.logger.Infof("would remove spill partition %s %s", symbol, hour.Format(time.RFC3339))
			continue
		}
		if err := h.store.RemovePartition(symbol, hour); err != nil {
			report.Failed = append(report.Failed, ingest.RangeError{
				Start: hour, End: hour.Add(time.Hour), Err: err.Error(),
			})
			continue
		}
		report.Removed = append(report.Removed, archive.PartitionKey(hour))
	}
}

// taintTargets marks every corrected hour fed by upstream hour src so
// it is left untouched when the source could not be read.
func taintTargets(tainted map[time.Time]struct{}, src time.Time, offset time.Duration, day, dayEnd time.Time) {
	shiftedStart := src.Add(offset)
	shiftedEnd := shiftedStart.Add(time.Hour)
	for target := shiftedStart.Truncate(time.Hour); target.Before(shiftedEnd); target = target.Add(time.Hour) {
		if !target.Before(day) && target.Before(dayEnd) {
			tainted[target] = struct{}{}
		}
	}
}
