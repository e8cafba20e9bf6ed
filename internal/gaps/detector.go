package gaps

import (
	"fmt"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// CoverageSource is the slice of the archive the detector needs:
// which partitions exist and what their manifests claim.
type CoverageSource interface {
	ListPartitions(symbol string, from, to time.Time) ([]time.Time, error)
	ReadManifest(symbol string, hour time.Time) (model.Manifest, error)
}

type Detector struct {
	source   CoverageSource
	calendar Calendar
	logger   logger.Logger
}

func NewDetector(source CoverageSource, calendar Calendar, logger logger.Logger) *Detector {
	return &Detector{source: source, calendar: calendar, logger: logger}
}

// Detect compares expected trading hours against archived coverage
// over [from, to) and merges contiguous missing hours into ordered
// gap records. An archived partition whose manifest reports zero
// records during an expected session counts as missing: a 24h
// instrument has ticks in every open hour, so an empty manifest there
// is a mis-ingestion, not quiet trading.
func (d *Detector) Detect(symbol string, from, to time.Time) ([]model.GapRecord, error) {
	covered, err := d.coveredHours(symbol, from, to)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var gaps []model.GapRecord
	for _, session := range d.calendar.Sessions(from, to) {
		for hour := session.Open.Truncate(time.Hour); hour.Before(session.Close); hour = hour.Add(time.Hour) {
			if _, ok := covered[hour.Unix()]; ok {
				continue
			}
			if n := len(gaps); n > 0 && gaps[n-1].RangeEnd.Equal(hour) {
				gaps[n-1].RangeEnd = hour.Add(time.Hour)
				continue
			}
			gaps = append(gaps, model.GapRecord{
				Symbol:     symbol,
				RangeStart: hour,
				RangeEnd:   hour.Add(time.Hour),
				DetectedAt: now,
				Status:     model.GapPending,
			})
		}
	}

	if len(gaps) > 0 {
		d.logger.Infof("%s: %d gaps in [%s, %s)", symbol, len(gaps),
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}
	return gaps, nil
}

// DetectTail is the catch-up variant: when recent data already
// exists, it looks backwards from the newest partition for the last
// covered hour before the most recent gap of at least minGap and
// scans only the tail beyond it, instead of the full history.
func (d *Detector) DetectTail(symbol string, from, to time.Time, minGap time.Duration) ([]model.GapRecord, error) {
	start, err := d.tailStart(symbol, from, to, minGap)
	if err != nil {
		return nil, err
	}
	return d.Detect(symbol, start, to)
}

func (d *Detector) tailStart(symbol string, from, to time.Time, minGap time.Duration) (time.Time, error) {
	hours, err := d.source.ListPartitions(symbol, from, to)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: can't list partitions", err)
	}
	if len(hours) == 0 {
		return from, nil
	}

	// The most recent gap may sit past the newest partition, between it
	// and to. Resume from that partition rather than rescanning history.
	if last := hours[len(hours)-1]; to.Sub(last) >= minGap {
		return last, nil
	}

	for i := len(hours) - 1; i > 0; i-- {
		if hours[i].Sub(hours[i-1]) >= minGap {
			return hours[i-1], nil
		}
	}
	return from, nil
}

func (d *Detector) coveredHours(symbol string, from, to time.Time) (map[int64]struct{}, error) {
	hours, err := d.source.ListPartitions(symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: can't list partitions", err)
	}

	covered := make(map[int64]struct{}, len(hours))
	for _, hour := range hours {
		m, err := d.source.ReadManifest(symbol, hour)
		if err != nil {
			d.logger.Warnf("%s: unreadable manifest for %s %s, treating as missing", err, symbol, hour.Format(time.RFC3339))
			continue
		}
		if m.RecordCount == 0 {
			continue
		}
		covered[hour.UTC().Truncate(time.Hour).Unix()] = struct{}{}
	}
	return covered, nil
}
