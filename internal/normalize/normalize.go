package normalize

import (
	"fmt"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/archive"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// Normalizer repairs partitions damaged by overlapping or repeated
// uploads: it re-deduplicates by timestamp and rewrites the partition
// in place. Rewrites go through the store's atomic write path, so a
// crash mid-normalize leaves the old partition intact.
type Normalizer struct {
	store  *archive.Store
	logger logger.Logger
}

func NewNormalizer(store *archive.Store, logger logger.Logger) *Normalizer {
	return &Normalizer{store: store, logger: logger}
}

type Report struct {
	Scanned   int
	Rewritten int
	Removed   int
}

// Normalize scans archived partitions in [from, to) and rewrites any
// that contain duplicate timestamps. Untouched partitions keep their
// original manifests.
func (n *Normalizer) Normalize(symbol string, from, to time.Time) (Report, error) {
	hours, err := n.store.ListPartitions(symbol, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("%w: can't list partitions", err)
	}

	var report Report
	for _, hour := range hours {
		report.Scanned++

		m, err := n.store.ReadManifest(symbol, hour)
		if err != nil {
			return report, fmt.Errorf("%w: can't read manifest %s", err, hour.Format(time.RFC3339))
		}
		ticks, err := n.store.ReadPartition(symbol, hour)
		if err != nil {
			return report, fmt.Errorf("%w: can't read partition %s", err, hour.Format(time.RFC3339))
		}

		deduped := dedupeByTs(ticks)
		if len(deduped) == len(ticks) {
			continue
		}

		if _, err := n.store.WritePartition(symbol, hour, deduped, m.SourceTimezone); err != nil {
			return report, fmt.Errorf("%w: can't rewrite partition %s", err, hour.Format(time.RFC3339))
		}
		removed := len(ticks) - len(deduped)
		report.Rewritten++
		report.Removed += removed
		n.logger.Infof("normalized %s %s: removed %d duplicate ticks", symbol, hour.Format(time.RFC3339), removed)
	}
	return report, nil
}

// First record wins on a timestamp collision, matching ingestion's
// archived-record-wins rule.
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
