package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/shopspring/decimal"
)

const (
	_tickDirName   = "ticks"
	_candleDirName = "candles"

	_dayLayout   = "2006-01-02"
	_monthLayout = "2006-01"
)

// Store is the cold archival store. Tick partitions are hour-granular
// gzip CSV files with a sibling JSON manifest; candle artifacts are
// month-granular per timeframe.
//
// A partition write is atomic: payload first, manifest last, both via
// tmp-and-rename. A payload without a manifest is treated as absent, so
// a crashed upload is retried from scratch instead of half-trusted.
type Store struct {
	root   string
	logger logger.Logger
}

func NewStore(root string, logger logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: can't create archive root", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// PartitionKey identifies an hour partition, e.g. "2024-02-01/07".
func PartitionKey(hour time.Time) string {
	hour = hour.UTC().Truncate(time.Hour)
	return fmt.Sprintf("%s/%02d", hour.Format(_dayLayout), hour.Hour())
}

func (s *Store) tickDir(symbol string, hour time.Time) string {
	return filepath.Join(s.root, _tickDirName, symbol, hour.UTC().Format(_dayLayout))
}

func (s *Store) dataPath(symbol string, hour time.Time) string {
	return filepath.Join(s.tickDir(symbol, hour), fmt.Sprintf("%02d.csv.gz", hour.UTC().Hour()))
}

func (s *Store) manifestPath(symbol string, hour time.Time) string {
	return filepath.Join(s.tickDir(symbol, hour), fmt.Sprintf("%02d.manifest.json", hour.UTC().Hour()))
}

// HasPartition reports whether a completed upload exists for the hour.
// Only the manifest counts: payload bytes alone are a partial upload.
func (s *Store) HasPartition(symbol string, hour time.Time) bool {
	_, err := os.Stat(s.manifestPath(symbol, hour))
	return err == nil
}

func (s *Store) ReadManifest(symbol string, hour time.Time) (model.Manifest, error) {
	raw, err := os.ReadFile(s.manifestPath(symbol, hour))
	if err != nil {
		return model.Manifest{}, fmt.Errorf("%w: can't read manifest", err)
	}

	var m model.Manifest
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return model.Manifest{}, fmt.Errorf("%w: can't parse manifest", err)
	}
	return m, nil
}

// WritePartition persists one hour of ticks and its manifest in one
// atomic step, superseding any previous upload of that hour wholesale.
func (s *Store) WritePartition(symbol string, hour time.Time, ticks []model.Tick, sourceTZ string) (model.Manifest, error) {
	hour = hour.UTC().Truncate(time.Hour)
	if err := os.MkdirAll(s.tickDir(symbol, hour), 0o755); err != nil {
		return model.Manifest{}, fmt.Errorf("%w: can't create partition dir", err)
	}

	sorted := make([]model.Tick, len(ticks))
	copy(sorted, ticks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	payload, err := encodeTicks(sorted)
	if err != nil {
		return model.Manifest{}, err
	}

	m := model.Manifest{
		Symbol:         symbol,
		PartitionKey:   PartitionKey(hour),
		RecordCount:    len(sorted),
		SourceTimezone: sourceTZ,
		IngestedAt:     time.Now().UTC(),
		Checksum:       checksum(payload),
	}
	if len(sorted) > 0 {
		m.MinTs = sorted[0].Ts
		m.MaxTs = sorted[len(sorted)-1].Ts
	}

	if err := writeAtomicGzip(s.dataPath(symbol, hour), payload); err != nil {
		return model.Manifest{}, fmt.Errorf("%w: can't write partition payload", err)
	}

	manifestJSON, err := sonic.Marshal(m)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("%w: can't encode manifest", err)
	}
	if err := writeAtomic(s.manifestPath(symbol, hour), manifestJSON); err != nil {
		return model.Manifest{}, fmt.Errorf("%w: can't write manifest", err)
	}

	s.logger.Debugf("archived %s %s: %d records", symbol, m.PartitionKey, m.RecordCount)
	return m, nil
}

// ReadPartition returns the archived ticks for the hour, sorted by
// timestamp. A missing manifest is reported as os.ErrNotExist.
func (s *Store) ReadPartition(symbol string, hour time.Time) ([]model.Tick, error) {
	if !s.HasPartition(symbol, hour) {
		return nil, fmt.Errorf("%w: partition %s %s", os.ErrNotExist, symbol, PartitionKey(hour))
	}

	f, err := os.Open(s.dataPath(symbol, hour))
	if err != nil {
		return nil, fmt.Errorf("%w: can't open partition payload", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: can't decompress partition", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: can't read partition", err)
	}

	return decodeTicks(symbol, payload)
}

// ReadRange concatenates archived ticks over the half-open [from, to).
// Hours with no completed partition are skipped.
func (s *Store) ReadRange(symbol string, from, to time.Time) ([]model.Tick, error) {
	var out []model.Tick
	for hour := from.UTC().Truncate(time.Hour); hour.Before(to); hour = hour.Add(time.Hour) {
		if !s.HasPartition(symbol, hour) {
			continue
		}
		ticks, err := s.ReadPartition(symbol, hour)
		if err != nil {
			return nil, err
		}
		for _, t := range ticks {
			if !t.Ts.Before(from) && t.Ts.Before(to) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// ListPartitions returns the hours in [from, to) that have a completed
// partition, ascending. Used by gap detection instead of rescanning
// raw payloads.
func (s *Store) ListPartitions(symbol string, from, to time.Time) ([]time.Time, error) {
	var hours []time.Time
	for hour := from.UTC().Truncate(time.Hour); hour.Before(to); hour = hour.Add(time.Hour) {
		if s.HasPartition(symbol, hour) {
			hours = append(hours, hour)
		}
	}
	return hours, nil
}

// RemovePartition deletes an hour partition and its manifest. Manifest
// goes first so a crash mid-removal never leaves a manifest pointing at
// deleted bytes.
func (s *Store) RemovePartition(symbol string, hour time.Time) error {
	if err := os.Remove(s.manifestPath(symbol, hour)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: can't remove manifest", err)
	}
	if err := os.Remove(s.dataPath(symbol, hour)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: can't remove partition payload", err)
	}
	return nil
}

// WriteCandleArtifact archives derived bars for one (symbol, timeframe,
// month) as a cold artifact mirroring the queryable rows.
func (s *Store) WriteCandleArtifact(symbol string, tf model.Timeframe, month time.Time, bars []model.Candle) error {
	dir := filepath.Join(s.root, _candleDirName, symbol, string(tf))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: can't create candle artifact dir", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, b := range bars {
		rec := []string{
			b.BucketStart.UTC().Format(time.RFC3339Nano),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			strconv.FormatInt(b.Volume, 10),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("%w: can't encode candle row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: can't encode candle artifact", err)
	}

	path := filepath.Join(dir, month.UTC().Format(_monthLayout)+".csv.gz")
	if err := writeAtomicGzip(path, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: can't write candle artifact", err)
	}
	return nil
}

func encodeTicks(ticks []model.Tick) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, t := range ticks {
		rec := []string{
			t.Ts.UTC().Format(time.RFC3339Nano),
			t.Bid.String(),
			t.Ask.String(),
			strconv.FormatInt(t.BidSize, 10),
			strconv.FormatInt(t.AskSize, 10),
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("%w: can't encode tick row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("%w: can't encode ticks", err)
	}
	return buf.Bytes(), nil
}

func decodeTicks(symbol string, payload []byte) ([]model.Tick, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = 5

	var ticks []model.Tick
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse tick row", err)
		}

		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse tick timestamp", err)
		}
		bid, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse bid", err)
		}
		ask, err := decimal.NewFromString(rec[2])
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse ask", err)
		}
		bidSize, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse bid size", err)
		}
		askSize, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse ask size", err)
		}

		ticks = append(ticks, model.Tick{
			Symbol: symbol, Ts: ts.UTC(),
			Bid: bid, Ask: ask,
			BidSize: bidSize, AskSize: askSize,
		})
	}
	return ticks, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeAtomicGzip(path string, payload []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}
