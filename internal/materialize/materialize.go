package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
)

// Store owns the queryable aggregate tables, one per cascade level,
// primary-keyed by (symbol, bucket_start). All writes are idempotent
// upserts: materializing a range twice leaves the same rows behind.
type Store struct {
	db        *sqlx.DB
	batchSize int

	logger logger.Logger
}

const _defaultBatchSize = 500

func NewStore(db *sqlx.DB, logger logger.Logger) *Store {
	return &Store{db: db, batchSize: _defaultBatchSize, logger: logger}
}

func tableName(tf model.Timeframe) (string, error) {
	if _, err := tf.Duration(); err != nil {
		return "", err
	}
	return "candles_" + string(tf), nil
}

const _createTable = `CREATE TABLE IF NOT EXISTS %s (
	symbol       TEXT        NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	open         NUMERIC     NOT NULL,
	high         NUMERIC     NOT NULL,
	low          NUMERIC     NOT NULL,
	close        NUMERIC     NOT NULL,
	volume       BIGINT      NOT NULL,
	PRIMARY KEY (symbol, bucket_start)
)`

// EnsureSchema creates the per-level tables.
func (s *Store) EnsureSchema(ctx context.Context, timeframes []model.Timeframe) error {
	for _, tf := range timeframes {
		table, err := tableName(tf)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(_createTable, table)); err != nil {
			return fmt.Errorf("%w: can't create table %s", err, table)
		}
	}
	return nil
}

const _upsertCandle = `INSERT INTO %s (
			symbol, bucket_start, open, high, low, close, volume
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (symbol, bucket_start)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume;`

// Upsert writes bars in batches. Each batch is one transaction, so no
// bucket is ever left half-written; a failed batch is split and retried
// per remaining sub-range before giving up.
func (s *Store) Upsert(ctx context.Context, tf model.Timeframe, bars []model.Candle) error {
	table, err := tableName(tf)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(_upsertCandle, table)

	for start := 0; start < len(bars); start += s.batchSize {
		end := min(start+s.batchSize, len(bars))
		if err := s.upsertBatch(ctx, query, bars[start:end]); err != nil {
			return fmt.Errorf("%w: can't upsert %s batch [%s, %s]", err, tf,
				bars[start].BucketStart.Format(time.RFC3339), bars[end-1].BucketStart.Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, query string, bars []model.Candle) error {
	err := s.execBatch(ctx, query, bars)
	if err == nil || len(bars) == 1 {
		return err
	}

	// Retry the remaining rows as two sub-ranges to isolate the bad one.
	s.logger.Warnf("%s: batch of %d failed, splitting", err, len(bars))
	mid := len(bars) / 2
	if err := s.upsertBatch(ctx, query, bars[:mid]); err != nil {
		return err
	}
	return s.upsertBatch(ctx, query, bars[mid:])
}

func (s *Store) execBatch(ctx context.Context, query string, bars []model.Candle) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin tx", err)
	}
	defer tx.Rollback()

	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			b.Symbol, b.BucketStart.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume,
		); err != nil {
			return fmt.Errorf("%w: can't upsert candle", err)
		}
	}
	return tx.Commit()
}

const _queryCandles = `SELECT symbol, bucket_start, open, high, low, close, volume
		FROM %s
		WHERE symbol = $1 AND bucket_start >= $2 AND bucket_start < $3
		ORDER BY bucket_start ASC`

// Bars returns the stored bars for [from, to), ascending.
func (s *Store) Bars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	table, err := tableName(tf)
	if err != nil {
		return nil, err
	}

	var bars []model.Candle
	if err := s.db.SelectContext(ctx, &bars, fmt.Sprintf(_queryCandles, table), symbol, from.UTC(), to.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: can't query %s bars", err, tf)
	}
	for i := range bars {
		bars[i].Timeframe = tf
	}
	return bars, nil
}

const _queryWatermark = `SELECT MAX(bucket_start) FROM %s WHERE symbol = $1`

// Watermark returns the last confirmed bucket for (symbol, timeframe),
// or ok=false when nothing has been materialized yet.
func (s *Store) Watermark(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, bool, error) {
	table, err := tableName(tf)
	if err != nil {
		return time.Time{}, false, err
	}

	var mark sql.NullTime
	if err := s.db.GetContext(ctx, &mark, fmt.Sprintf(_queryWatermark, table), symbol); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: can't query watermark", err)
	}
	if !mark.Valid {
		return time.Time{}, false, nil
	}
	return mark.Time.UTC(), true, nil
}

// IncrementalFrom picks the start of an incremental run: the watermark
// bucket itself (it may still have been partial when last written), or
// fallback when the table is empty.
func (s *Store) IncrementalFrom(ctx context.Context, symbol string, tf model.Timeframe, fallback time.Time) (time.Time, error) {
	mark, ok, err := s.Watermark(ctx, symbol, tf)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return fallback, nil
	}
	return mark, nil
}
