package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/model"
)

// PostgresStore is the alternative Store backend for deployments that want
// the candle cache in a shared database instead of local files. Same
// contract as FileStore; serialization is still the in-process per-key lock
// (the cache is owned by one process at a time).
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
	locks   *keyLocks
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS ohlcv_cache (
	exchange   TEXT             NOT NULL,
	symbol     TEXT             NOT NULL,
	timeframe  TEXT             NOT NULL,
	ts         BIGINT           NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (exchange, symbol, timeframe, ts)
);

CREATE TABLE IF NOT EXISTS ohlcv_cache_meta (
	exchange               TEXT   NOT NULL,
	symbol                 TEXT   NOT NULL,
	timeframe              TEXT   NOT NULL,
	last_written_at_millis BIGINT NOT NULL,
	PRIMARY KEY (exchange, symbol, timeframe)
);`

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres cache: %w", err)
	}
	s := &PostgresStore{db: db, timeout: timeout, locks: newKeyLocks()}
	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure cache schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests with
// sqlmock.
func NewPostgresStoreWithDB(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, timeout: timeout, locks: newKeyLocks()}
}

// Lock acquires the per-key lock.
func (s *PostgresStore) Lock(ctx context.Context, key Key) (*Unlocker, error) {
	return s.locks.acquire(ctx, key)
}

type ohlcvRow struct {
	TS     int64   `db:"ts"`
	Open   float64 `db:"open"`
	High   float64 `db:"high"`
	Low    float64 `db:"low"`
	Close  float64 `db:"close"`
	Volume float64 `db:"volume"`
}

// Load reads the cached series ascending. Unknown keys read as empty;
// rows failing validation downgrade the whole key to empty with a warning,
// matching the file backend's corrupt-cache behaviour.
func (s *PostgresStore) Load(ctx context.Context, key Key) (model.CandleSeries, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []ohlcvRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ts, open, high, low, close, volume
		FROM ohlcv_cache
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY ts ASC`,
		key.Exchange, key.Symbol, string(key.Timeframe))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load cache rows: %w", err)
	}

	series := make(model.CandleSeries, 0, len(rows))
	for _, r := range rows {
		series = append(series, model.Candle{
			TimestampSeconds: r.TS,
			Open:             r.Open,
			High:             r.High,
			Low:              r.Low,
			Close:            r.Close,
			Volume:           r.Volume,
		})
	}
	if err := series.Validate(key.Timeframe); err != nil {
		log.Warn().Str("key", key.BaseName()).Err(err).Msg("cached series invalid, treating as empty")
		return nil, nil
	}
	return series, nil
}

// Save replaces the cached rows and metadata for key in one transaction.
func (s *PostgresStore) Save(ctx context.Context, key Key, series model.CandleSeries, meta Metadata) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ohlcv_cache
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3`,
		key.Exchange, key.Symbol, string(key.Timeframe)); err != nil {
		return fmt.Errorf("clear cache rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ohlcv_cache (exchange, symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range series {
		if _, err := stmt.ExecContext(ctx,
			key.Exchange, key.Symbol, string(key.Timeframe),
			c.TimestampSeconds, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("insert cache row ts=%d: %w", c.TimestampSeconds, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ohlcv_cache_meta (exchange, symbol, timeframe, last_written_at_millis)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exchange, symbol, timeframe)
		DO UPDATE SET last_written_at_millis = EXCLUDED.last_written_at_millis`,
		meta.Exchange, meta.Symbol, meta.Timeframe, meta.LastWrittenAtMillis); err != nil {
		return fmt.Errorf("upsert cache metadata: %w", err)
	}

	return tx.Commit()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
