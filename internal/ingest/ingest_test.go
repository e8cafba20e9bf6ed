package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/archive"
	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/feed"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/shopspring/decimal"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // fail the first n calls for an hour
	missing  map[string]bool
	ticks    map[string][]model.Tick
}

func hourKey(hour time.Time) string { return hour.UTC().Format("2006-01-02T15") }

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    map[string]int{},
		failures: map[string]int{},
		missing:  map[string]bool{},
		ticks:    map[string][]model.Tick{},
	}
}

func (f *fakeFetcher) FetchHour(ctx context.Context, symbol string, hour time.Time) ([]model.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := hourKey(hour)
	f.calls[key]++
	if f.missing[key] {
		return nil, feed.ErrNotYetAvailable
	}
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, fmt.Errorf("upstream timeout")
	}
	return f.ticks[key], nil
}

func testIngestor(t *testing.T, fetcher Fetcher) (*Ingestor, *archive.Store) {
	t.Helper()
	store, err := archive.NewStore(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := config.IngestConfig{Concurrency: 2, DelayMs: 1, ChunkTimeoutSeconds: 5, MaxRetries: 2}
	ing := New(fetcher, store, cfg, "UTC", logger.NewNop())
	ing.backoffBase = time.Millisecond
	return ing, store
}

func fetchedTick(hour time.Time, offset time.Duration) model.Tick {
	return model.Tick{
		Symbol: "EURUSD",
		Ts:     hour.Add(offset),
		Bid:    decimal.RequireFromString("1.08490"),
		Ask:    decimal.RequireFromString("1.08500"),
	}
}

func TestRunArchivesAllChunks(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	fetcher := newFakeFetcher()
	for h := 0; h < 3; h++ {
		hour := from.Add(time.Duration(h) * time.Hour)
		fetcher.ticks[hourKey(hour)] = []model.Tick{fetchedTick(hour, time.Second)}
	}

	ing, store := testIngestor(t, fetcher)
	report, err := ing.Run(context.Background(), "EURUSD", from, from.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.OK() || report.ChunksWritten != 3 {
		t.Fatalf("report = %+v, want 3 clean chunks", report)
	}
	for h := 0; h < 3; h++ {
		if !store.HasPartition("EURUSD", from.Add(time.Duration(h)*time.Hour)) {
			t.Errorf("hour %d not archived", h)
		}
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	fetcher := newFakeFetcher()
	fetcher.ticks[hourKey(from)] = []model.Tick{fetchedTick(from, time.Second)}
	fetcher.failures[hourKey(from)] = 2

	ing, _ := testIngestor(t, fetcher)
	report, err := ing.Run(context.Background(), "EURUSD", from, from.Add(time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected recovery after retries, got %+v", report.Failed)
	}
	if fetcher.calls[hourKey(from)] != 3 {
		t.Errorf("calls = %d, want 3", fetcher.calls[hourKey(from)])
	}
}

func TestRunReportsUnresolvedChunk(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	fetcher := newFakeFetcher()
	fetcher.failures[hourKey(from)] = 10
	fetcher.ticks[hourKey(from.Add(time.Hour))] = []model.Tick{fetchedTick(from.Add(time.Hour), time.Second)}

	ing, store := testIngestor(t, fetcher)
	report, err := ing.Run(context.Background(), "EURUSD", from, from.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(report.Failed) != 1 {
		t.Fatalf("failed = %+v, want exactly the broken hour", report.Failed)
	}
	if !report.Failed[0].Start.Equal(from) {
		t.Errorf("failed range start = %s, want %s", report.Failed[0].Start, from)
	}
	// The broken hour must not block the neighbour.
	if !store.HasPartition("EURUSD", from.Add(time.Hour)) {
		t.Error("unrelated hour was not archived")
	}
	if store.HasPartition("EURUSD", from) {
		t.Error("failed chunk must leave nothing behind")
	}
}

func TestRunNotYetAvailableIsNotAFailure(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	fetcher := newFakeFetcher()
	fetcher.missing[hourKey(from)] = true

	ing, _ := testIngestor(t, fetcher)
	report, err := ing.Run(context.Background(), "EURUSD", from, from.Add(time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("not-yet-available must not fail the run: %+v", report.Failed)
	}
	if len(report.NotYetAvailable) != 1 {
		t.Fatalf("not-yet-available = %v, want the probed hour", report.NotYetAvailable)
	}
	if fetcher.calls[hourKey(from)] != 1 {
		t.Errorf("calls = %d, not-yet-available must not be retried", fetcher.calls[hourKey(from)])
	}
}

func TestRunDedupesAgainstExistingPartition(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	fetcher := newFakeFetcher()
	fetcher.ticks[hourKey(from)] = []model.Tick{
		fetchedTick(from, time.Second),
		fetchedTick(from, 2*time.Second),
	}

	ing, store := testIngestor(t, fetcher)
	if _, err := ing.Run(context.Background(), "EURUSD", from, from.Add(time.Hour)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := ing.Run(context.Background(), "EURUSD", from, from.Add(time.Hour)); err != nil {
		t.Fatalf("second run: %v", err)
	}

	ticks, err := store.ReadPartition("EURUSD", from)
	if err != nil {
		t.Fatalf("read partition: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("re-run duplicated ticks: %d, want 2", len(ticks))
	}
}

func TestSplitHours(t *testing.T) {
	from := time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 13, 0, 0, 0, time.UTC)

	hours := SplitHours(from, to)
	if len(hours) != 3 {
		t.Fatalf("got %d chunks, want 3", len(hours))
	}
	if hours[0].Hour() != 10 || hours[2].Hour() != 12 {
		t.Errorf("chunks = %v", hours)
	}
}
