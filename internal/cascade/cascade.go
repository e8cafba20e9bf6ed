package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// ErrDependencyOrder marks a programming-contract breach: a level was
// about to be computed before its parent covered the same range.
var ErrDependencyOrder = errors.New("cascade dependency order violated")

type TickSource interface {
	ReadRange(symbol string, from, to time.Time) ([]model.Tick, error)
}

type BarStore interface {
	Bars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
	Upsert(ctx context.Context, tf model.Timeframe, bars []model.Candle) error
}

type level struct {
	tf     model.Timeframe
	parent model.Timeframe
	step   time.Duration
}

// Cascade derives bars level by level, each timeframe from its
// configured parent, the base from ticks. Build is the only entry
// point: a single level can never be recomputed in isolation, which
// rules out out-of-order recomputation structurally.
type Cascade struct {
	levels []level
	ticks  TickSource
	bars   BarStore

	logger logger.Logger
}

func New(cfgLevels []config.LevelConfig, ticks TickSource, bars BarStore, logger logger.Logger) (*Cascade, error) {
	if len(cfgLevels) == 0 {
		return nil, fmt.Errorf("no cascade levels configured")
	}

	steps := make(map[model.Timeframe]time.Duration, len(cfgLevels))
	levels := make([]level, 0, len(cfgLevels))

	for i, lc := range cfgLevels {
		step, err := lc.Timeframe.Duration()
		if err != nil {
			return nil, fmt.Errorf("%w: level %d", err, i)
		}
		if _, ok := steps[lc.Timeframe]; ok {
			return nil, fmt.Errorf("duplicate cascade level %s", lc.Timeframe)
		}

		if lc.Parent == "" {
			if i != 0 {
				return nil, fmt.Errorf("level %s: only the first level may omit a parent", lc.Timeframe)
			}
		} else {
			parentStep, ok := steps[lc.Parent]
			if !ok {
				return nil, fmt.Errorf("level %s: parent %s not declared before it", lc.Timeframe, lc.Parent)
			}
			if step <= parentStep || step%parentStep != 0 {
				return nil, fmt.Errorf("level %s: step must be an integer multiple of parent %s", lc.Timeframe, lc.Parent)
			}
		}

		steps[lc.Timeframe] = step
		levels = append(levels, level{tf: lc.Timeframe, parent: lc.Parent, step: step})
	}

	return &Cascade{levels: levels, ticks: ticks, bars: bars, logger: logger}, nil
}

// Timeframes returns the configured levels, base first.
func (c *Cascade) Timeframes() []model.Timeframe {
	out := make([]model.Timeframe, len(c.levels))
	for i, lvl := range c.levels {
		out[i] = lvl.tf
	}
	return out
}

type span struct {
	from, to time.Time
}

func (s span) covers(o span) bool {
	return !s.from.After(o.from) && !s.to.Before(o.to)
}

func (s span) union(o span) span {
	out := s
	if o.from.Before(out.from) {
		out.from = o.from
	}
	if o.to.After(out.to) {
		out.to = o.to
	}
	return out
}

func alignSpan(step time.Duration, from, to time.Time) span {
	lo := from.UTC().Truncate(step)
	hi := to.UTC().Truncate(step)
	if hi.Before(to.UTC()) {
		hi = hi.Add(step)
	}
	return span{from: lo, to: hi}
}

// plan widens each level's span so that every parent covers the exact
// range its children need. Child bucket boundaries are always parent
// boundaries because steps are integer multiples down the chain.
func (c *Cascade) plan(from, to time.Time) map[model.Timeframe]span {
	spans := make(map[model.Timeframe]span, len(c.levels))
	for _, lvl := range c.levels {
		spans[lvl.tf] = alignSpan(lvl.step, from, to)
	}
	for i := len(c.levels) - 1; i >= 0; i-- {
		lvl := c.levels[i]
		if lvl.parent == "" {
			continue
		}
		spans[lvl.parent] = spans[lvl.parent].union(spans[lvl.tf])
	}
	return spans
}

// Build recomputes every level over [from, to), bottom up. Bars are
// fully recomputed and upserted, so re-running over an already-correct
// range is a no-op in effect.
func (c *Cascade) Build(ctx context.Context, symbol string, from, to time.Time) error {
	spans := c.plan(from, to)
	built := make(map[model.Timeframe]span, len(c.levels))

	for _, lvl := range c.levels {
		if err := ctx.Err(); err != nil {
			return err
		}

		s := spans[lvl.tf]
		bars, err := c.buildLevel(ctx, symbol, lvl, s, built)
		if err != nil {
			return err
		}

		if len(bars) > 0 {
			if err := c.bars.Upsert(ctx, lvl.tf, bars); err != nil {
				return fmt.Errorf("%w: can't upsert %s bars", err, lvl.tf)
			}
		}
		built[lvl.tf] = s
		c.logger.Debugf("built %d %s bars for %s", len(bars), lvl.tf, symbol)
	}

	return nil
}

func (c *Cascade) buildLevel(ctx context.Context, symbol string, lvl level, s span, built map[model.Timeframe]span) ([]model.Candle, error) {
	if lvl.parent == "" {
		ticks, err := c.ticks.ReadRange(symbol, s.from, s.to)
		if err != nil {
			return nil, fmt.Errorf("%w: can't read ticks for %s", err, lvl.tf)
		}
		return BucketTicks(symbol, lvl.tf, ticks)
	}

	parentSpan, ok := built[lvl.parent]
	if !ok || !parentSpan.covers(s) {
		return nil, fmt.Errorf("%w: %s requires %s over [%s, %s)", ErrDependencyOrder,
			lvl.tf, lvl.parent, s.from.Format(time.RFC3339), s.to.Format(time.RFC3339))
	}

	parents, err := c.bars.Bars(ctx, symbol, lvl.parent, s.from, s.to)
	if err != nil {
		return nil, fmt.Errorf("%w: can't read %s bars", err, lvl.parent)
	}
	return RebucketBars(symbol, lvl.tf, parents)
}
