package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/model"
)

func testKey() Key {
	return Key{Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: model.TF1m}
}

func testSeries() model.CandleSeries {
	return model.CandleSeries{
		{TimestampSeconds: 60, Open: 10, High: 12, Low: 9, Close: 11, Volume: 3},
		{TimestampSeconds: 120, Open: 11, High: 13, Low: 10, Close: 12, Volume: 1.5},
	}
}

func TestKeyBaseName(t *testing.T) {
	assert.Equal(t, "coinbase_BTC-USD_1m", testKey().BaseName())
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := testKey()

	loaded, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, loaded, "cold cache reads as empty")

	series := testSeries()
	require.NoError(t, s.Save(ctx, key, series, MetadataFor(key, 1234)))

	loaded, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, series, loaded)

	meta, ok := s.LoadMetadata(key)
	require.True(t, ok)
	assert.Equal(t, "coinbase", meta.Exchange)
	assert.Equal(t, int64(1234), meta.LastWrittenAtMillis)
}

func TestFileStoreSaveReplaces(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.Save(ctx, key, testSeries(), MetadataFor(key, 1)))
	shorter := model.CandleSeries{{TimestampSeconds: 180, Open: 1, High: 1, Low: 1, Close: 1}}
	require.NoError(t, s.Save(ctx, key, shorter, MetadataFor(key, 2)))

	loaded, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, shorter, loaded)
}

func TestFileStoreCorruptRowsReadAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	key := testKey()

	path := filepath.Join(dir, key.BaseName()+".csv")
	require.NoError(t, os.WriteFile(path, []byte("timestamp_seconds,open,high,low,close,volume\n60,not-a-number,1,1,1,1\n"), 0o644))

	loaded, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStoreHeaderMismatchReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	key := testKey()

	path := filepath.Join(dir, key.BaseName()+".csv")
	require.NoError(t, os.WriteFile(path, []byte("ts,o,h,l,c,v\n60,1,2,0.5,1.5,3\n"), 0o644))

	loaded, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStoreUnorderedRowsReadAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	key := testKey()

	content := "timestamp_seconds,open,high,low,close,volume\n120,1,1,1,1,0\n60,1,1,1,1,0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, key.BaseName()+".csv"), []byte(content), 0o644))

	loaded, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestKeyLockSerializesSameKey(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := testKey()

	u, err := s.Lock(ctx, key)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u2, err := s.Lock(ctx, key)
		assert.NoError(t, err)
		u2.Unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	u.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired after unlock")
	}

	// Idempotent release.
	u.Unlock()
}

func TestKeyLockDistinctKeysDoNotContend(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	u1, err := s.Lock(ctx, testKey())
	require.NoError(t, err)
	defer u1.Unlock()

	other := Key{Exchange: "kraken", Symbol: "ETH/USD", Timeframe: model.TF1h}
	u2, err := s.Lock(ctx, other)
	require.NoError(t, err)
	u2.Unlock()
}

func TestKeyLockHonorsContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	key := testKey()

	u, err := s.Lock(context.Background(), key)
	require.NoError(t, err)
	defer u.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
