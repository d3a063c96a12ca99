package cache

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/model"
)

var csvHeader = []string{"timestamp_seconds", "open", "high", "low", "close", "volume"}

// FileStore keeps one CSV rows file and one JSON sidecar per key under a
// single directory. Replacement is atomic: temp file + rename.
type FileStore struct {
	dir   string
	locks *keyLocks
}

// NewFileStore creates the cache directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir, locks: newKeyLocks()}, nil
}

// Dir returns the cache directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) rowsPath(key Key) string {
	return filepath.Join(s.dir, key.BaseName()+".csv")
}

func (s *FileStore) metaPath(key Key) string {
	return filepath.Join(s.dir, key.BaseName()+".meta.json")
}

// Lock acquires the per-key lock; the caller must Unlock on all paths.
func (s *FileStore) Lock(ctx context.Context, key Key) (*Unlocker, error) {
	return s.locks.acquire(ctx, key)
}

// Load reads the cached series. A missing file is an empty series; a
// corrupt file logs one warning and reads as empty so the caller proceeds
// as if the cache were cold.
func (s *FileStore) Load(ctx context.Context, key Key) (model.CandleSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.rowsPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open cache rows: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		log.Warn().Str("key", key.BaseName()).Err(err).Msg("cache rows corrupt, treating as empty")
		return nil, nil
	}
	if len(records) == 0 {
		return nil, nil
	}
	if !headerMatches(records[0]) {
		log.Warn().Str("key", key.BaseName()).Msg("cache header mismatch, treating as empty")
		return nil, nil
	}

	series := make(model.CandleSeries, 0, len(records)-1)
	for _, rec := range records[1:] {
		c, err := recordToCandle(rec)
		if err != nil {
			log.Warn().Str("key", key.BaseName()).Err(err).Msg("cache row corrupt, treating cache as empty")
			return nil, nil
		}
		series = append(series, c)
	}
	if err := series.Validate(key.Timeframe); err != nil {
		log.Warn().Str("key", key.BaseName()).Err(err).Msg("cache series invalid, treating as empty")
		return nil, nil
	}
	return series, nil
}

// Save atomically replaces the rows file and the sidecar for key.
func (s *FileStore) Save(ctx context.Context, key Key, series model.CandleSeries, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeRows(key, series); err != nil {
		return err
	}
	return s.writeMeta(key, meta)
}

func (s *FileStore) writeRows(key Key, series model.CandleSeries) error {
	tmp, err := os.CreateTemp(s.dir, key.BaseName()+".csv.tmp*")
	if err != nil {
		return fmt.Errorf("create temp rows: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, c := range series {
		rec := []string{
			strconv.FormatInt(c.TimestampSeconds, 10),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp rows: %w", err)
	}
	return os.Rename(tmp.Name(), s.rowsPath(key))
}

func (s *FileStore) writeMeta(key Key, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, key.BaseName()+".meta.tmp*")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp meta: %w", err)
	}
	return os.Rename(tmp.Name(), s.metaPath(key))
}

// LoadMetadata reads the sidecar. Missing or corrupt sidecars return ok=false.
func (s *FileStore) LoadMetadata(key Key) (Metadata, bool) {
	raw, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return Metadata{}, false
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		log.Warn().Str("key", key.BaseName()).Err(err).Msg("cache metadata corrupt")
		return Metadata{}, false
	}
	return meta, true
}

func headerMatches(rec []string) bool {
	if len(rec) != len(csvHeader) {
		return false
	}
	for i, h := range csvHeader {
		if rec[i] != h {
			return false
		}
	}
	return true
}

func recordToCandle(rec []string) (model.Candle, error) {
	if len(rec) != 6 {
		return model.Candle{}, fmt.Errorf("row has %d fields, want 6", len(rec))
	}
	ts, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("timestamp %q: %w", rec[0], err)
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d %q: %w", i+1, rec[i+1], err)
		}
		vals[i] = v
	}
	c := model.Candle{
		TimestampSeconds: ts,
		Open:             vals[0],
		High:             vals[1],
		Low:              vals[2],
		Close:            vals[3],
		Volume:           vals[4],
	}
	if !c.Valid() {
		return model.Candle{}, fmt.Errorf("invalid OHLCV values at ts %d", ts)
	}
	return c, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
