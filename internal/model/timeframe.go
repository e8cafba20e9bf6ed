package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a candle bucket width like "1m", "15m", "4h", "1d".
type Timeframe string

func (tf Timeframe) Duration() (time.Duration, error) {
	s := string(tf)
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid timeframe %q", tf)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid timeframe %q", err, tf)
	}
	if d <= 0 || d%time.Minute != 0 {
		return 0, fmt.Errorf("timeframe %q must be a positive whole number of minutes", tf)
	}
	return d, nil
}

// Truncate aligns t to the fixed bucket origin for this timeframe.
// A timestamp exactly on a boundary maps to the bucket starting there.
func (tf Timeframe) Truncate(t time.Time) (time.Time, error) {
	d, err := tf.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(d), nil
}
