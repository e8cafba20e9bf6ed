package cascade

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/shopspring/decimal"
)

type memTicks struct {
	ticks []model.Tick
}

func (m *memTicks) ReadRange(symbol string, from, to time.Time) ([]model.Tick, error) {
	var out []model.Tick
	for _, t := range m.ticks {
		if t.Symbol == symbol && !t.Ts.Before(from) && t.Ts.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

type memBars struct {
	bars map[model.Timeframe]map[int64]model.Candle
}

func newMemBars() *memBars {
	return &memBars{bars: map[model.Timeframe]map[int64]model.Candle{}}
}

func (m *memBars) Bars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	var out []model.Candle
	for _, b := range m.bars[tf] {
		if b.Symbol == symbol && !b.BucketStart.Before(from) && b.BucketStart.Before(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (m *memBars) Upsert(ctx context.Context, tf model.Timeframe, bars []model.Candle) error {
	if m.bars[tf] == nil {
		m.bars[tf] = map[int64]model.Candle{}
	}
	for _, b := range bars {
		m.bars[tf][b.BucketStart.UnixNano()] = b
	}
	return nil
}

// regularTicks emits one tick every 10 seconds over [from, to) with a
// slowly rising mid price.
func regularTicks(from, to time.Time) []model.Tick {
	var ticks []model.Tick
	price := decimal.RequireFromString("1.08000")
	step := decimal.RequireFromString("0.00001")
	spread := decimal.RequireFromString("0.00008")
	for ts := from; ts.Before(to); ts = ts.Add(10 * time.Second) {
		ticks = append(ticks, model.Tick{
			Symbol: "EURUSD", Ts: ts,
			Bid: price, Ask: price.Add(spread),
		})
		price = price.Add(step)
	}
	return ticks
}

func testLevels() []config.LevelConfig {
	return []config.LevelConfig{
		{Timeframe: "5m"},
		{Timeframe: "1h", Parent: "5m"},
	}
}

func TestBuildHourScenario(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	ticks := &memTicks{ticks: regularTicks(from, to)}
	bars := newMemBars()
	c, err := New(testLevels(), ticks, bars, logger.NewNop())
	if err != nil {
		t.Fatalf("new cascade: %v", err)
	}

	if err := c.Build(context.Background(), "EURUSD", from, to); err != nil {
		t.Fatalf("build: %v", err)
	}

	fives, _ := bars.Bars(context.Background(), "EURUSD", "5m", from, to)
	if len(fives) != 12 {
		t.Fatalf("5m bars = %d, want 12", len(fives))
	}
	for _, b := range fives {
		if err := b.Validate(); err != nil {
			t.Errorf("invalid 5m bar: %v", err)
		}
	}

	hours, _ := bars.Bars(context.Background(), "EURUSD", "1h", from, to)
	if len(hours) != 1 {
		t.Fatalf("1h bars = %d, want 1", len(hours))
	}
	if !hours[0].Open.Equal(fives[0].Open) {
		t.Errorf("1h open = %s, want first 5m open %s", hours[0].Open, fives[0].Open)
	}
	if !hours[0].Close.Equal(fives[11].Close) {
		t.Errorf("1h close = %s, want last 5m close %s", hours[0].Close, fives[11].Close)
	}
}

func TestBuildIdempotent(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	ticks := &memTicks{ticks: regularTicks(from, to)}
	bars := newMemBars()
	c, err := New(testLevels(), ticks, bars, logger.NewNop())
	if err != nil {
		t.Fatalf("new cascade: %v", err)
	}

	if err := c.Build(context.Background(), "EURUSD", from, to); err != nil {
		t.Fatalf("first build: %v", err)
	}
	first, _ := bars.Bars(context.Background(), "EURUSD", "5m", from, to)

	if err := c.Build(context.Background(), "EURUSD", from, to); err != nil {
		t.Fatalf("second build: %v", err)
	}
	second, _ := bars.Bars(context.Background(), "EURUSD", "5m", from, to)

	if len(first) != len(second) {
		t.Fatalf("bar count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if !a.BucketStart.Equal(b.BucketStart) || !a.Open.Equal(b.Open) || !a.High.Equal(b.High) ||
			!a.Low.Equal(b.Low) || !a.Close.Equal(b.Close) || a.Volume != b.Volume {
			t.Errorf("bar %d differs after re-run: %+v vs %+v", i, a, b)
		}
	}
}

// Cascade consistency: every 1h bar must equal the fold of exactly the
// 5m bars inside its span.
func TestCascadeConsistency(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(3 * time.Hour)

	ticks := &memTicks{ticks: regularTicks(from, to)}
	bars := newMemBars()
	c, err := New(testLevels(), ticks, bars, logger.NewNop())
	if err != nil {
		t.Fatalf("new cascade: %v", err)
	}
	if err := c.Build(context.Background(), "EURUSD", from, to); err != nil {
		t.Fatalf("build: %v", err)
	}

	hours, _ := bars.Bars(context.Background(), "EURUSD", "1h", from, to)
	for _, h := range hours {
		children, _ := bars.Bars(context.Background(), "EURUSD", "5m", h.BucketStart, h.BucketStart.Add(time.Hour))
		refolded, err := RebucketBars("EURUSD", "1h", children)
		if err != nil {
			t.Fatalf("refold: %v", err)
		}
		if len(refolded) != 1 {
			t.Fatalf("refolded %d bars for one span", len(refolded))
		}
		r := refolded[0]
		if !r.Open.Equal(h.Open) || !r.High.Equal(h.High) || !r.Low.Equal(h.Low) ||
			!r.Close.Equal(h.Close) || r.Volume != h.Volume {
			t.Errorf("1h bar %s inconsistent with its 5m children", h.BucketStart)
		}
	}
}

func TestBucketBoundaryBelongsToStartingBar(t *testing.T) {
	boundary := time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC)
	ticks := []model.Tick{{
		Symbol: "EURUSD", Ts: boundary,
		Bid: decimal.RequireFromString("1.1"), Ask: decimal.RequireFromString("1.1"),
	}}

	bars, err := BucketTicks("EURUSD", "5m", ticks)
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if len(bars) != 1 || !bars[0].BucketStart.Equal(boundary) {
		t.Fatalf("boundary tick must open the bar starting there, got %+v", bars)
	}
}

func TestEmptyBucketProducesNoBar(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	// Ticks only in the first and third 5m buckets.
	ticks := append(regularTicks(from, from.Add(5*time.Minute)),
		regularTicks(from.Add(10*time.Minute), from.Add(15*time.Minute))...)

	bars, err := BucketTicks("EURUSD", "5m", ticks)
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2 (no synthetic placeholder)", len(bars))
	}
}

func TestNewRejectsBrokenLevelChain(t *testing.T) {
	cases := []struct {
		name   string
		levels []config.LevelConfig
	}{
		{"non-multiple child", []config.LevelConfig{
			{Timeframe: "5m"}, {Timeframe: "7m", Parent: "5m"},
		}},
		{"undeclared parent", []config.LevelConfig{
			{Timeframe: "5m"}, {Timeframe: "1h", Parent: "15m"},
		}},
		{"second base", []config.LevelConfig{
			{Timeframe: "5m"}, {Timeframe: "15m"},
		}},
		{"duplicate level", []config.LevelConfig{
			{Timeframe: "5m"}, {Timeframe: "5m", Parent: "5m"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.levels, &memTicks{}, newMemBars(), logger.NewNop()); err == nil {
				t.Fatal("expected level validation error")
			}
		})
	}
}
