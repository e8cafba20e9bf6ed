package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLC bar. Bars are recomputed wholesale on refresh,
// never incrementally patched.
type Candle struct {
	Symbol      string          `db:"symbol" json:"symbol"`
	Timeframe   Timeframe       `db:"-" json:"timeframe"`
	BucketStart time.Time       `db:"bucket_start" json:"bucket_start"`
	Open        decimal.Decimal `db:"open" json:"open"`
	High        decimal.Decimal `db:"high" json:"high"`
	Low         decimal.Decimal `db:"low" json:"low"`
	Close       decimal.Decimal `db:"close" json:"close"`
	Volume      int64           `db:"volume" json:"volume"`
}

// Validate checks the OHLC invariant: high >= max(open, close) and
// low <= min(open, close).
func (c Candle) Validate() error {
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return fmt.Errorf("candle %s %s %s: high %s below open/close", c.Symbol, c.Timeframe, c.BucketStart.Format(time.RFC3339), c.High)
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("candle %s %s %s: low %s above open/close", c.Symbol, c.Timeframe, c.BucketStart.Format(time.RFC3339), c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s %s %s: negative volume", c.Symbol, c.Timeframe, c.BucketStart.Format(time.RFC3339))
	}
	return nil
}
