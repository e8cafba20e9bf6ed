package feed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ulikunitz/xz/lzma"
)

func compressRecords(t *testing.T, records [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		t.Fatalf("lzma writer: %v", err)
	}
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes()
}

func record(msOffset, ask, bid uint32, askVol, bidVol float32) []byte {
	rec := make([]byte, _recordSize)
	binary.BigEndian.PutUint32(rec[0:4], msOffset)
	binary.BigEndian.PutUint32(rec[4:8], ask)
	binary.BigEndian.PutUint32(rec[8:12], bid)
	binary.BigEndian.PutUint32(rec[12:16], math.Float32bits(askVol))
	binary.BigEndian.PutUint32(rec[16:20], math.Float32bits(bidVol))
	return rec
}

func TestDecodeHour(t *testing.T) {
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)
	payload := compressRecords(t, [][]byte{
		record(0, 108501, 108493, 1.5, 0.75),
		record(30_000, 108520, 108510, 2, 1),
	})

	ticks, err := DecodeHour(payload, "EURUSD", hour)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}

	first := ticks[0]
	if !first.Ts.Equal(hour) {
		t.Errorf("first tick ts = %s, want hour start", first.Ts)
	}
	if got := first.Ask.String(); got != "1.08501" {
		t.Errorf("ask = %s, want 1.08501", got)
	}
	if got := first.Bid.String(); got != "1.08493" {
		t.Errorf("bid = %s, want 1.08493", got)
	}
	if first.AskSize != 1_500_000 {
		t.Errorf("ask size = %d, want 1500000", first.AskSize)
	}

	second := ticks[1]
	if !second.Ts.Equal(hour.Add(30 * time.Second)) {
		t.Errorf("second tick ts = %s, want hour+30s", second.Ts)
	}
}

func TestDecodeHourJPYScale(t *testing.T) {
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)
	payload := compressRecords(t, [][]byte{
		record(1000, 148123, 148101, 1, 1),
	})

	ticks, err := DecodeHour(payload, "USDJPY", hour)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := ticks[0].Ask.String(); got != "148.123" {
		t.Errorf("ask = %s, want 148.123", got)
	}
}

func TestDecodeHourEmptyPayload(t *testing.T) {
	ticks, err := DecodeHour(nil, "EURUSD", time.Now().UTC())
	if err != nil {
		t.Fatalf("empty payload must not error: %v", err)
	}
	if len(ticks) != 0 {
		t.Fatalf("expected no ticks, got %d", len(ticks))
	}
}

func TestDecodeHourTruncatedRecord(t *testing.T) {
	payload := compressRecords(t, [][]byte{
		record(0, 108501, 108493, 1, 1)[:10],
	})

	_, err := DecodeHour(payload, "EURUSD", time.Now().UTC())
	if !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestDecodeHourZeroPriceRecordSkipped(t *testing.T) {
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)
	payload := compressRecords(t, [][]byte{
		record(0, 0, 108493, 1, 1),
		record(500, 108520, 108510, 1, 1),
	})

	ticks, err := DecodeHour(payload, "EURUSD", hour)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("zero-price record must be dropped, got %d ticks", len(ticks))
	}
}
