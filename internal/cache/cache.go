// Package cache persists OHLCV series per (exchange, symbol, timeframe).
// The default backend writes one CSV rows file plus a JSON metadata sidecar
// per key; a Postgres backend satisfying the same contract lives in
// postgres.go. Rows and metadata never share a file.
package cache

import (
	"context"
	"strings"

	"github.com/marketmux/marketmux/internal/model"
)

// Key identifies one cached candle series.
type Key struct {
	Exchange  string
	Symbol    string
	Timeframe model.Timeframe
}

// BaseName returns the on-disk base name for the key:
// "<exchange>_<safeSymbol>_<timeframe>" with '/' replaced by '-'.
func (k Key) BaseName() string {
	safe := strings.ReplaceAll(k.Symbol, "/", "-")
	return k.Exchange + "_" + safe + "_" + string(k.Timeframe)
}

// Metadata is the sidecar record saved next to the rows.
type Metadata struct {
	Exchange            string `json:"exchange"`
	Symbol              string `json:"symbol"`
	Timeframe           string `json:"timeframe"`
	LastWrittenAtMillis int64  `json:"last_written_at_millis"`
}

// MetadataFor builds the sidecar record for a key.
func MetadataFor(key Key, nowMillis int64) Metadata {
	return Metadata{
		Exchange:            key.Exchange,
		Symbol:              key.Symbol,
		Timeframe:           string(key.Timeframe),
		LastWrittenAtMillis: nowMillis,
	}
}

// Store is the cache contract the fetcher builds on.
//
// Load returns the cached series ascending; a missing cache is empty, not an
// error, and a corrupt cache is logged once and also reads as empty. Save
// atomically replaces rows and metadata for the key. Lock serializes holders
// of the same key; distinct keys run concurrently.
type Store interface {
	Load(ctx context.Context, key Key) (model.CandleSeries, error)
	Save(ctx context.Context, key Key, series model.CandleSeries, meta Metadata) error
	Lock(ctx context.Context, key Key) (*Unlocker, error)
}
