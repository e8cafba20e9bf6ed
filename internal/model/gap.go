package model

import "time"

type GapStatus string

const (
	GapPending   GapStatus = "pending"
	GapRepairing GapStatus = "repairing"
	GapResolved  GapStatus = "resolved"
)

// GapRecord is one detected hole in archived coverage, half-open
// [RangeStart, RangeEnd).
type GapRecord struct {
	Symbol     string    `json:"symbol"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	DetectedAt time.Time `json:"detected_at"`
	Status     GapStatus `json:"status"`
}

func (g GapRecord) Duration() time.Duration {
	return g.RangeEnd.Sub(g.RangeStart)
}
