package cascade

import (
	"fmt"
	"sort"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// BucketTicks derives base-level bars from raw ticks. Prices are mid
// quotes, volume is the tick count. Buckets align to the fixed epoch
// origin; a timestamp exactly on a boundary opens the bar starting
// there. A bucket with no ticks produces no bar.
func BucketTicks(symbol string, tf model.Timeframe, ticks []model.Tick) ([]model.Candle, error) {
	sorted := make([]model.Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	byBucket := make(map[time.Time]*model.Candle)
	for _, t := range sorted {
		start, err := tf.Truncate(t.Ts)
		if err != nil {
			return nil, fmt.Errorf("%w: can't bucket tick", err)
		}

		mid := t.Mid()
		bar, ok := byBucket[start]
		if !ok {
			byBucket[start] = &model.Candle{
				Symbol: symbol, Timeframe: tf, BucketStart: start,
				Open: mid, High: mid, Low: mid, Close: mid, Volume: 1,
			}
			continue
		}

		if mid.GreaterThan(bar.High) {
			bar.High = mid
		}
		if mid.LessThan(bar.Low) {
			bar.Low = mid
		}
		bar.Close = mid
		bar.Volume++
	}

	return collect(byBucket), nil
}

// RebucketBars derives a coarser level from the bars of the level below
// it: open from the first child by time, close from the last, extremes
// and volume folded over all children in the span.
func RebucketBars(symbol string, tf model.Timeframe, bars []model.Candle) ([]model.Candle, error) {
	sorted := make([]model.Candle, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BucketStart.Before(sorted[j].BucketStart) })

	byBucket := make(map[time.Time]*model.Candle)
	for _, child := range sorted {
		start, err := tf.Truncate(child.BucketStart)
		if err != nil {
			return nil, fmt.Errorf("%w: can't rebucket bar", err)
		}

		bar, ok := byBucket[start]
		if !ok {
			byBucket[start] = &model.Candle{
				Symbol: symbol, Timeframe: tf, BucketStart: start,
				Open: child.Open, High: child.High, Low: child.Low, Close: child.Close,
				Volume: child.Volume,
			}
			continue
		}

		if child.High.GreaterThan(bar.High) {
			bar.High = child.High
		}
		if child.Low.LessThan(bar.Low) {
			bar.Low = child.Low
		}
		bar.Close = child.Close
		bar.Volume += child.Volume
	}

	return collect(byBucket), nil
}

func collect(byBucket map[time.Time]*model.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(byBucket))
	for _, bar := range byBucket {
		out = append(out, *bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}
