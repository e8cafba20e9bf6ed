package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/shopspring/decimal"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func tick(ts time.Time, bid, ask string) model.Tick {
	return model.Tick{
		Symbol: "EURUSD",
		Ts:     ts,
		Bid:    decimal.RequireFromString(bid),
		Ask:    decimal.RequireFromString(ask),
	}
}

func TestWriteReadPartition(t *testing.T) {
	s := testStore(t)
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)

	ticks := []model.Tick{
		tick(hour.Add(2*time.Second), "1.08493", "1.08501"),
		tick(hour.Add(1*time.Second), "1.08490", "1.08500"),
	}

	m, err := s.WritePartition("EURUSD", hour, ticks, "UTC")
	if err != nil {
		t.Fatalf("write partition: %v", err)
	}
	if m.RecordCount != 2 {
		t.Errorf("record count = %d, want 2", m.RecordCount)
	}
	if m.PartitionKey != "2024-02-01/07" {
		t.Errorf("partition key = %q", m.PartitionKey)
	}
	if !m.MinTs.Equal(hour.Add(1 * time.Second)) {
		t.Errorf("min ts = %s, want first tick after sorting", m.MinTs)
	}
	if m.Checksum == "" {
		t.Error("manifest checksum is empty")
	}

	got, err := s.ReadPartition("EURUSD", hour)
	if err != nil {
		t.Fatalf("read partition: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d ticks, want 2", len(got))
	}
	if !got[0].Ts.Before(got[1].Ts) {
		t.Error("ticks not sorted by timestamp")
	}
	if !got[0].Bid.Equal(decimal.RequireFromString("1.08490")) {
		t.Errorf("bid round-trip mismatch: %s", got[0].Bid)
	}
}

func TestPartitionWithoutManifestIsAbsent(t *testing.T) {
	s := testStore(t)
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)

	if _, err := s.WritePartition("EURUSD", hour, []model.Tick{tick(hour, "1.1", "1.2")}, "UTC"); err != nil {
		t.Fatalf("write partition: %v", err)
	}

	// Simulate the crash window: payload persisted, manifest not.
	if err := os.Remove(s.manifestPath("EURUSD", hour)); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}

	if s.HasPartition("EURUSD", hour) {
		t.Fatal("payload without manifest must read as absent")
	}
	if _, err := s.ReadPartition("EURUSD", hour); err == nil {
		t.Fatal("read of manifest-less partition must fail")
	}
}

func TestWritePartitionLeavesNoTempFiles(t *testing.T) {
	s := testStore(t)
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)

	if _, err := s.WritePartition("EURUSD", hour, nil, "UTC"); err != nil {
		t.Fatalf("write partition: %v", err)
	}

	entries, err := os.ReadDir(s.tickDir("EURUSD", hour))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestZeroRecordPartitionCountsAsCovered(t *testing.T) {
	s := testStore(t)
	hour := time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)

	m, err := s.WritePartition("EURUSD", hour, nil, "UTC")
	if err != nil {
		t.Fatalf("write empty partition: %v", err)
	}
	if m.RecordCount != 0 {
		t.Errorf("record count = %d, want 0", m.RecordCount)
	}
	if !s.HasPartition("EURUSD", hour) {
		t.Fatal("confirmed-empty hour must still be covered")
	}
}

func TestListPartitions(t *testing.T) {
	s := testStore(t)
	day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, h := range []int{0, 1, 3} {
		hour := day.Add(time.Duration(h) * time.Hour)
		if _, err := s.WritePartition("EURUSD", hour, []model.Tick{tick(hour, "1.1", "1.2")}, "UTC"); err != nil {
			t.Fatalf("write partition: %v", err)
		}
	}

	hours, err := s.ListPartitions("EURUSD", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list partitions: %v", err)
	}
	if len(hours) != 3 {
		t.Fatalf("listed %d partitions, want 3", len(hours))
	}
	if hours[2].Hour() != 3 {
		t.Errorf("last partition hour = %d, want 3", hours[2].Hour())
	}
}

func TestReadRangeFiltersToWindow(t *testing.T) {
	s := testStore(t)
	hour := time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC)

	ticks := []model.Tick{
		tick(hour.Add(5*time.Minute), "1.1", "1.2"),
		tick(hour.Add(45*time.Minute), "1.1", "1.2"),
	}
	if _, err := s.WritePartition("EURUSD", hour, ticks, "UTC"); err != nil {
		t.Fatalf("write partition: %v", err)
	}

	got, err := s.ReadRange("EURUSD", hour, hour.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d ticks, want 1 inside the window", len(got))
	}
}
