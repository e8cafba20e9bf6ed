package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single bid/ask observation. Immutable once archived;
// uniquely keyed by (Symbol, Ts).
type Tick struct {
	Symbol  string
	Ts      time.Time
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize int64
	AskSize int64
}

var two = decimal.NewFromInt(2)

func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(two)
}
