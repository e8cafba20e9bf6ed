package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/archive"
	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/feed"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

const _backoffBase = 500 * time.Millisecond

type Fetcher interface {
	FetchHour(ctx context.Context, symbol string, hour time.Time) ([]model.Tick, error)
}

// Ingestor pulls raw ticks chunk by chunk and archives them. A chunk is
// either fully persisted with an updated manifest or not persisted at
// all, so any failure is safe to retry.
type Ingestor struct {
	fetcher Fetcher
	store   *archive.Store
	cfg     config.IngestConfig

	sourceTZ    string
	backoffBase time.Duration

	logger logger.Logger
}

func New(fetcher Fetcher, store *archive.Store, cfg config.IngestConfig, sourceTZ string, logger logger.Logger) *Ingestor {
	return &Ingestor{
		fetcher:     fetcher,
		store:       store,
		cfg:         cfg,
		sourceTZ:    sourceTZ,
		backoffBase: _backoffBase,
		logger:      logger,
	}
}

type RangeError struct {
	Start time.Time
	End   time.Time
	Err   string
}

// Report is the outcome of one ingestion run. Failed sub-ranges never
// abort the rest of the run.
type Report struct {
	ChunksWritten   int
	Partitions      []string
	NotYetAvailable []time.Time
	Failed          []RangeError
}

func (r Report) OK() bool { return len(r.Failed) == 0 }

// Run ingests [from, to) for symbol with a bounded worker pool and a
// politeness delay between dispatches.
func (ing *Ingestor) Run(ctx context.Context, symbol string, from, to time.Time) (Report, error) {
	hours := SplitHours(from, to)
	ing.logger.Infof("ingesting %s: %d hour chunks from %s", symbol, len(hours), from.UTC().Format(time.RFC3339))

	var (
		report Report
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, ing.cfg.Concurrency)
	)

	for _, hour := range hours {
		if ctx.Err() != nil {
			break
		}
		time.Sleep(ing.cfg.Delay())

		sem <- struct{}{}
		wg.Add(1)
		go func(hour time.Time) {
			defer wg.Done()
			defer func() { <-sem }()

			key, err := ing.ingestHour(ctx, symbol, hour)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.ChunksWritten++
				report.Partitions = append(report.Partitions, key)
			case errors.Is(err, feed.ErrNotYetAvailable):
				report.NotYetAvailable = append(report.NotYetAvailable, hour)
			default:
				report.Failed = append(report.Failed, RangeError{
					Start: hour, End: hour.Add(time.Hour), Err: err.Error(),
				})
			}
		}(hour)
	}
	wg.Wait()

	sort.Strings(report.Partitions)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Start.Before(report.Failed[j].Start) })
	sort.Slice(report.NotYetAvailable, func(i, j int) bool { return report.NotYetAvailable[i].Before(report.NotYetAvailable[j]) })

	if !report.OK() {
		ing.logger.Warnf("ingestion of %s finished with %d failed chunks", symbol, len(report.Failed))
	}
	return report, ctx.Err()
}

// ingestHour fetches one chunk with bounded exponential backoff,
// dedupes it against anything already archived for that partition and
// writes payload plus manifest atomically.
func (ing *Ingestor) ingestHour(ctx context.Context, symbol string, hour time.Time) (string, error) {
	var lastErr error
	backoff := ing.backoffBase

	for attempt := 0; attempt <= ing.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		chunkCtx, cancel := context.WithTimeout(ctx, ing.cfg.ChunkTimeout())
		ticks, err := ing.fetcher.FetchHour(chunkCtx, symbol, hour)
		cancel()

		if errors.Is(err, feed.ErrNotYetAvailable) {
			return "", err
		}
		if err != nil {
			lastErr = err
			ing.logger.Warnf("%s: chunk %s %s attempt %d failed", err, symbol, hour.Format(time.RFC3339), attempt+1)
			continue
		}

		merged := ing.dedupe(symbol, hour, ticks)
		m, err := ing.store.WritePartition(symbol, hour, merged, ing.sourceTZ)
		if err != nil {
			return "", fmt.Errorf("%w: can't archive chunk", err)
		}
		return m.PartitionKey, nil
	}

	return "", fmt.Errorf("chunk unresolved after %d retries: %w", ing.cfg.MaxRetries, lastErr)
}

// dedupe merges fetched ticks with an existing partition. Archived
// ticks are immutable, so on a (symbol, timestamp) collision the
// archived record wins.
func (ing *Ingestor) dedupe(symbol string, hour time.Time, fetched []model.Tick) []model.Tick {
	if !ing.store.HasPartition(symbol, hour) {
		return dedupeByTs(fetched)
	}

	existing, err := ing.store.ReadPartition(symbol, hour)
	if err != nil {
		ing.logger.Warnf("%s: can't read existing partition, superseding it", err)
		return dedupeByTs(fetched)
	}

	seen := make(map[int64]struct{}, len(existing))
	merged := make([]model.Tick, 0, len(existing)+len(fetched))
	for _, t := range existing {
		seen[t.Ts.UnixNano()] = struct{}{}
		merged = append(merged, t)
	}
	for _, t := range fetched {
		if _, ok := seen[t.Ts.UnixNano()]; ok {
			continue
		}
		seen[t.Ts.UnixNano()] = struct{}{}
		merged = append(merged, t)
	}
	return merged
}

func dedupeByTs(ticks []model.Tick) []model.Tick {
	seen := make(map[int64]struct{}, len(ticks))
	out := make([]model.Tick, 0, len(ticks))
	for _, t := range ticks {
		if _, ok := seen[t.Ts.UnixNano()]; ok {
			continue
		}
		seen[t.Ts.UnixNano()] = struct{}{}
		out = append(out, t)
	}
	return out
}
