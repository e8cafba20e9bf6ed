package series

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

var _start = time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC)

func bars(n int) []model.Candle {
	price := decimal.RequireFromString("1.0850")
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Candle{
			Symbol:      "EURUSD",
			Timeframe:   "5m",
			BucketStart: _start.Add(time.Duration(i) * 5 * time.Minute),
			Open:        price, High: price, Low: price, Close: price,
			Volume: 10,
		})
	}
	return out
}

func TestNewDeclaresProducerFlags(t *testing.T) {
	env := New("EURUSD", "5m", bars(3))
	if env.Version != 1 {
		t.Errorf("version = %d, want 1", env.Version)
	}
	if !env.Flags.Ordered || !env.Flags.CadenceKnown || !env.Flags.OHLCSanityKnown {
		t.Errorf("flags = %+v, the pipeline declares ordering, cadence and sanity", env.Flags)
	}
	if env.Flags.GapInfo != GapInfoUnknown {
		t.Errorf("gap info = %s, completeness is never declared without a detector pass", env.Flags.GapInfo)
	}
}

func TestVerifyCleanEnvelope(t *testing.T) {
	if errs := Verify(New("EURUSD", "5m", bars(5))); len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
}

func TestVerifyChecksOnlyDeclaredFlags(t *testing.T) {
	env := New("EURUSD", "5m", bars(5))
	env.Bars[2].BucketStart = env.Bars[1].BucketStart // out of order
	env.Flags.Ordered = false
	env.Flags.CadenceKnown = false

	if errs := Verify(env); len(errs) != 0 {
		t.Fatalf("errs = %v, undeclared properties must not be checked", errs)
	}
}

func TestVerifyFlagsBrokenDeclarations(t *testing.T) {
	env := New("EURUSD", "5m", bars(5))
	env.Bars[2].BucketStart = env.Bars[1].BucketStart

	errs := Verify(env)
	if len(errs) == 0 {
		t.Fatal("orderless bars under an ordered flag must be reported")
	}
	if !env.Flags.Ordered {
		t.Error("verify mutated the flags")
	}
}

func TestVerifyFlagsOffCadenceBar(t *testing.T) {
	env := New("EURUSD", "5m", bars(3))
	env.Bars[1].BucketStart = env.Bars[1].BucketStart.Add(90 * time.Second)

	errs := Verify(env)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want the off-cadence bar reported once", errs)
	}

	env.Flags.CadenceKnown = false
	env.Flags.Ordered = false
	if errs := Verify(env); len(errs) != 0 {
		t.Fatalf("errs = %v, cadence must only be checked when declared", errs)
	}
}

func TestVerifyKnownCompleteRejectsHoles(t *testing.T) {
	b := bars(5)
	b = append(b[:2], b[3:]...) // drop one bucket
	env := New("EURUSD", "5m", b)

	if errs := Verify(env); len(errs) != 0 {
		t.Fatalf("errs = %v, holes are fine while gap info is unknown", errs)
	}

	env.Flags.GapInfo = GapInfoKnownComplete
	if errs := Verify(env); len(errs) != 1 {
		t.Fatalf("errs = %v, want the hole reported once", errs)
	}
}

func TestVerifyRejectsForeignVersion(t *testing.T) {
	env := New("EURUSD", "5m", bars(1))
	env.Version = 2
	if errs := Verify(env); len(errs) != 1 {
		t.Fatalf("errs = %v, want a version mismatch", errs)
	}
}
