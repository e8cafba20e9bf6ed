package series

import (
	"fmt"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// Version of the envelope contract. Any enforcement added at the
// hand-off boundary (mandatory ordering checks, gap detection, OHLC
// validation) is a new version, not a patch to this one.
const Version = 1

type GapInfo string

const (
	GapInfoUnknown       GapInfo = "unknown"
	GapInfoKnownComplete GapInfo = "known_complete"
	GapInfoKnownWithGaps GapInfo = "known_with_gaps"
)

// Flags are producer declarations about the enclosed bars. They are
// not verified at hand-off; consumers that need proof call Verify.
type Flags struct {
	Ordered         bool    `json:"ordered"`
	CadenceKnown    bool    `json:"cadence_known"`
	GapInfo         GapInfo `json:"gap_information"`
	OHLCSanityKnown bool    `json:"ohlc_sanity_known"`
}

// Envelope wraps any candle sequence crossing the pipeline/consumer
// boundary. Bars are immutable once accepted; alignment with any
// co-delivered signal series is by exact timestamp equality only.
type Envelope struct {
	Version   int             `json:"version"`
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	Bars      []model.Candle  `json:"bars"`
	Flags     Flags           `json:"flags"`
}

// New wraps bars produced by the cascade/materializer path, which
// emits ordered, cadence-aligned, OHLC-checked sequences.
func New(symbol string, tf model.Timeframe, bars []model.Candle) Envelope {
	return Envelope{
		Version:   Version,
		Symbol:    symbol,
		Timeframe: tf,
		Bars:      bars,
		Flags: Flags{
			Ordered:         true,
			CadenceKnown:    true,
			GapInfo:         GapInfoUnknown,
			OHLCSanityKnown: true,
		},
	}
}

// Verify is the opt-in consumer check of an envelope against its own
// declarations. It reports every disagreement and never mutates the
// envelope or its flags.
func Verify(env Envelope) []error {
	var errs []error
	if env.Version != Version {
		errs = append(errs, fmt.Errorf("envelope version %d, this consumer speaks %d", env.Version, Version))
	}

	step, stepErr := env.Timeframe.Duration()
	if stepErr != nil {
		errs = append(errs, stepErr)
	}

	var prev time.Time
	for i, bar := range env.Bars {
		if env.Flags.OHLCSanityKnown {
			if err := bar.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
		if env.Flags.Ordered && i > 0 && !bar.BucketStart.After(prev) {
			errs = append(errs, fmt.Errorf("bar %s not after previous %s despite ordered flag",
				bar.BucketStart.Format(time.RFC3339), prev.Format(time.RFC3339)))
		}
		if env.Flags.CadenceKnown && stepErr == nil && !bar.BucketStart.Equal(bar.BucketStart.UTC().Truncate(step)) {
			errs = append(errs, fmt.Errorf("bar %s off the %s cadence despite cadence flag",
				bar.BucketStart.Format(time.RFC3339), env.Timeframe))
		}
		prev = bar.BucketStart
	}

	if env.Flags.GapInfo == GapInfoKnownComplete && stepErr == nil {
		for i := 1; i < len(env.Bars); i++ {
			if gap := env.Bars[i].BucketStart.Sub(env.Bars[i-1].BucketStart); gap != step {
				errs = append(errs, fmt.Errorf("hole of %s before %s despite known-complete flag",
					gap, env.Bars[i].BucketStart.Format(time.RFC3339)))
			}
		}
	}
	return errs
}
