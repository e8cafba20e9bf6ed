package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/gaps"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

const (
	KindOHLC       = "ohlc_invariant"
	KindOrder      = "bucket_order"
	KindAlignment  = "bucket_alignment"
	KindBarCount   = "bar_count"
	KindParentOpen = "parent_open"
	KindParentHLV  = "parent_aggregate"

	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Violation is one integrity finding. The verifier reports, it never
// corrects.
type Violation struct {
	Kind      string          `json:"kind"`
	Severity  string          `json:"severity"`
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	At        time.Time       `json:"at"`
	Detail    string          `json:"detail"`
}

// BarSource is the read side of the aggregate store.
type BarSource interface {
	Bars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
}

type Verifier struct {
	source   BarSource
	calendar gaps.Calendar
	logger   logger.Logger
}

func New(source BarSource, calendar gaps.Calendar, logger logger.Logger) *Verifier {
	return &Verifier{source: source, calendar: calendar, logger: logger}
}

// Check runs the single-timeframe integrity pass over [from, to):
// OHLC invariants, strictly increasing bucket starts, bucket
// alignment, and per-session expected bar counts.
func (v *Verifier) Check(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]Violation, error) {
	bars, err := v.source.Bars(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: can't load %s %s bars", err, symbol, tf)
	}

	violations := v.checkSequence(symbol, tf, bars)
	violations = append(violations, v.checkCounts(symbol, tf, from, to, bars)...)

	if len(violations) > 0 {
		v.logger.Warnf("%s %s: %d integrity violations", symbol, tf, len(violations))
	}
	return violations, nil
}

func (v *Verifier) checkSequence(symbol string, tf model.Timeframe, bars []model.Candle) []Violation {
	// An unparseable timeframe is reported once by checkCounts; the
	// alignment check is skipped for it.
	step, stepErr := tf.Duration()

	var out []Violation
	var prev time.Time
	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			out = append(out, Violation{
				Kind: KindOHLC, Severity: SeverityError,
				Symbol: symbol, Timeframe: tf, At: bar.BucketStart,
				Detail: err.Error(),
			})
		}
		if stepErr == nil && !bar.BucketStart.Equal(bar.BucketStart.UTC().Truncate(step)) {
			out = append(out, Violation{
				Kind: KindAlignment, Severity: SeverityError,
				Symbol: symbol, Timeframe: tf, At: bar.BucketStart,
				Detail: fmt.Sprintf("bucket_start not on a %s boundary", tf),
			})
		}
		if i > 0 && !bar.BucketStart.After(prev) {
			out = append(out, Violation{
				Kind: KindOrder, Severity: SeverityError,
				Symbol: symbol, Timeframe: tf, At: bar.BucketStart,
				Detail: fmt.Sprintf("bucket_start not after previous bar %s", prev.Format(time.RFC3339)),
			})
		}
		prev = bar.BucketStart
	}
	return out
}

// checkCounts compares stored bar counts to what the trading calendar
// predicts per session. The shipped calendar knows nothing about
// holidays or early closes, so shortfalls are warnings, not errors.
func (v *Verifier) checkCounts(symbol string, tf model.Timeframe, from, to time.Time, bars []model.Candle) []Violation {
	step, err := tf.Duration()
	if err != nil {
		return []Violation{{
			Kind: KindBarCount, Severity: SeverityError,
			Symbol: symbol, Timeframe: tf, At: from,
			Detail: err.Error(),
		}}
	}

	var out []Violation
	for _, session := range v.calendar.Sessions(from, to) {
		expected := int(session.Close.Sub(session.Open) / step)
		actual := 0
		for _, bar := range bars {
			if !bar.BucketStart.Before(session.Open) && bar.BucketStart.Before(session.Close) {
				actual++
			}
		}
		if actual != expected {
			out = append(out, Violation{
				Kind: KindBarCount, Severity: SeverityWarning,
				Symbol: symbol, Timeframe: tf, At: session.Open,
				Detail: fmt.Sprintf("session has %d bars, calendar expects %d", actual, expected),
			})
		}
	}
	return out
}

// CheckAlignment cross-checks a parent timeframe against its child
// over [from, to): the parent's open must equal its first child's
// open, close the last child's close, high/low the extremes, volume
// the sum.
func (v *Verifier) CheckAlignment(ctx context.Context, symbol string, parent, child model.Timeframe, from, to time.Time) ([]Violation, error) {
	parentBars, err := v.source.Bars(ctx, symbol, parent, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: can't load %s %s bars", err, symbol, parent)
	}
	childBars, err := v.source.Bars(ctx, symbol, child, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: can't load %s %s bars", err, symbol, child)
	}

	parentStep, err := parent.Duration()
	if err != nil {
		return nil, err
	}
	byParent := make(map[int64][]model.Candle)
	for _, bar := range childBars {
		key := bar.BucketStart.UTC().Truncate(parentStep).Unix()
		byParent[key] = append(byParent[key], bar)
	}

	var out []Violation
	for _, p := range parentBars {
		children := byParent[p.BucketStart.Unix()]
		if len(children) == 0 {
			continue
		}
		first, last := children[0], children[len(children)-1]

		if !p.Open.Equal(first.Open) || !p.Close.Equal(last.Close) {
			out = append(out, Violation{
				Kind: KindParentOpen, Severity: SeverityError,
				Symbol: symbol, Timeframe: parent, At: p.BucketStart,
				Detail: fmt.Sprintf("open/close %s/%s disagree with %s children %s/%s",
					p.Open, p.Close, child, first.Open, last.Close),
			})
		}

		high, low, volume := first.High, first.Low, int64(0)
		for _, c := range children {
			if c.High.GreaterThan(high) {
				high = c.High
			}
			if c.Low.LessThan(low) {
				low = c.Low
			}
			volume += c.Volume
		}
		if !p.High.Equal(high) || !p.Low.Equal(low) || p.Volume != volume {
			out = append(out, Violation{
				Kind: KindParentHLV, Severity: SeverityError,
				Symbol: symbol, Timeframe: parent, At: p.BucketStart,
				Detail: fmt.Sprintf("high/low/volume %s/%s/%d disagree with %s children %s/%s/%d",
					p.High, p.Low, p.Volume, child, high, low, volume),
			})
		}
	}
	return out, nil
}
