package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("5m")
	require.NoError(t, err)
	assert.Equal(t, TF5m, tf)
	assert.Equal(t, int64(300), tf.Seconds())
	assert.True(t, tf.Valid())

	_, err = ParseTimeframe("7m")
	assert.Error(t, err)
	assert.False(t, Timeframe("7m").Valid())
}

func TestTimeframeAlign(t *testing.T) {
	assert.Equal(t, int64(3600), TF1h.Align(3601))
	assert.Equal(t, int64(3600), TF1h.Align(7199))
	assert.Equal(t, int64(7200), TF1h.Align(7200))
	assert.Equal(t, int64(0), TF1d.Align(86399))
	// Unknown timeframe aligns to itself rather than dividing by zero.
	assert.Equal(t, int64(123), Timeframe("bogus").Align(123))
}

func TestCandleValid(t *testing.T) {
	good := Candle{TimestampSeconds: 60, Open: 10, High: 12, Low: 9, Close: 11, Volume: 3}
	assert.True(t, good.Valid())

	cases := map[string]Candle{
		"low above high":    {TimestampSeconds: 60, Open: 10, High: 9, Low: 11, Close: 10},
		"open outside":      {TimestampSeconds: 60, Open: 20, High: 12, Low: 9, Close: 11},
		"close outside":     {TimestampSeconds: 60, Open: 10, High: 12, Low: 9, Close: 8},
		"negative volume":   {TimestampSeconds: 60, Open: 10, High: 12, Low: 9, Close: 11, Volume: -1},
		"negative ts":       {TimestampSeconds: -60, Open: 10, High: 12, Low: 9, Close: 11},
		"nan close":         {TimestampSeconds: 60, Open: 10, High: 12, Low: 9, Close: math.NaN()},
		"inf high":          {TimestampSeconds: 60, Open: 10, High: math.Inf(1), Low: 9, Close: 11},
	}
	for name, c := range cases {
		assert.False(t, c.Valid(), name)
	}
}

func TestSeriesValidate(t *testing.T) {
	s := CandleSeries{
		{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{TimestampSeconds: 180, Open: 1, High: 1, Low: 1, Close: 1},
	}
	require.NoError(t, s.Validate(TF1m))

	misaligned := CandleSeries{{TimestampSeconds: 61, Open: 1, High: 1, Low: 1, Close: 1}}
	assert.Error(t, misaligned.Validate(TF1m))

	unordered := CandleSeries{
		{TimestampSeconds: 120, Open: 1, High: 1, Low: 1, Close: 1},
		{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1},
	}
	assert.Error(t, unordered.Validate(TF1m))

	dup := CandleSeries{
		{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1},
	}
	assert.Error(t, dup.Validate(TF1m))
}

func TestSeriesMergeKeepsExistingOnDuplicate(t *testing.T) {
	base := CandleSeries{
		{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 10},
		{TimestampSeconds: 120, Open: 2, High: 2, Low: 2, Close: 2, Volume: 20},
	}
	extra := CandleSeries{
		{TimestampSeconds: 120, Open: 9, High: 9, Low: 9, Close: 9, Volume: 99},
		{TimestampSeconds: 180, Open: 3, High: 3, Low: 3, Close: 3, Volume: 30},
		{TimestampSeconds: 0, Open: 0, High: 0, Low: 0, Close: 0, Volume: 0},
	}

	merged := base.Merge(extra)
	require.Len(t, merged, 4)
	assert.Equal(t, int64(0), merged[0].TimestampSeconds)
	assert.Equal(t, int64(60), merged[1].TimestampSeconds)
	assert.Equal(t, float64(20), merged[2].Volume, "existing bar wins on duplicate timestamp")
	assert.Equal(t, int64(180), merged[3].TimestampSeconds)

	// Inputs untouched.
	assert.Len(t, base, 2)
	assert.Len(t, extra, 3)
}

func TestSeriesMergeEmptyExtraCopies(t *testing.T) {
	base := CandleSeries{{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1}}
	merged := base.Merge(nil)
	require.Len(t, merged, 1)
	merged[0].Open = 42
	assert.Equal(t, float64(1), base[0].Open)
}

func TestSeriesTrimSince(t *testing.T) {
	s := CandleSeries{
		{TimestampSeconds: 60},
		{TimestampSeconds: 120},
		{TimestampSeconds: 180},
	}
	assert.Len(t, s.TrimSince(0), 3)
	assert.Len(t, s.TrimSince(120), 2)
	assert.Len(t, s.TrimSince(121), 1)
	assert.Empty(t, s.TrimSince(999))
}

func TestSeriesFirstLast(t *testing.T) {
	var empty CandleSeries
	_, ok := empty.First()
	assert.False(t, ok)
	_, ok = empty.Last()
	assert.False(t, ok)

	s := CandleSeries{{TimestampSeconds: 60}, {TimestampSeconds: 120}}
	first, ok := s.First()
	require.True(t, ok)
	assert.Equal(t, int64(60), first.TimestampSeconds)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, int64(120), last.TimestampSeconds)
}

func TestStreamKeyDependencies(t *testing.T) {
	candles := CandlesKey("coinbase", "BTC/USD", TF1m)
	deps := candles.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, TradesKey("coinbase", "BTC/USD"), deps[0])

	assert.Empty(t, TradesKey("coinbase", "BTC/USD").Dependencies())
	assert.Empty(t, OrderBookKey("coinbase", "BTC/USD").Dependencies())
	assert.Empty(t, TickerKey("coinbase", "BTC/USD").Dependencies())
}

func TestStreamKeyIdentity(t *testing.T) {
	a := CandlesKey("kraken", "ETH/USD", TF1h)
	b := CandlesKey("kraken", "ETH/USD", TF1h)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CandlesKey("kraken", "ETH/USD", TF1m))

	assert.True(t, TradesKey("x", "y").IsStream())
	assert.False(t, a.IsStream())

	assert.Equal(t, "candles:kraken:ETH/USD:1h", a.String())
	assert.Equal(t, "trades:kraken:ETH/USD", TradesKey("kraken", "ETH/USD").String())
}

func TestTradeValid(t *testing.T) {
	assert.True(t, Trade{Symbol: "BTC/USD", Price: 1, Amount: 1}.Valid())
	assert.False(t, Trade{Symbol: "BTC/USD", Price: 0, Amount: 1}.Valid())
	assert.False(t, Trade{Symbol: "BTC/USD", Price: 1, Amount: 0}.Valid())
	assert.False(t, Trade{Price: 1, Amount: 1}.Valid())
}

func TestOrderBookBestLevels(t *testing.T) {
	ob := OrderBookSnapshot{
		Bids: []BookLevel{{Price: 99, Amount: 1}, {Price: 98, Amount: 2}},
		Asks: []BookLevel{{Price: 101, Amount: 3}},
	}
	bid, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, float64(99), bid.Price)
	ask, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, float64(101), ask.Price)

	empty := OrderBookSnapshot{}
	_, ok = empty.BestBid()
	assert.False(t, ok)
	_, ok = empty.BestAsk()
	assert.False(t, ok)
}
