package facade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/bus"
	"github.com/marketmux/marketmux/internal/cache"
	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/exchange/fake"
	"github.com/marketmux/marketmux/internal/manager"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/stream"
)

const t0 = int64(1_700_000_040)

func newFacade(t *testing.T) (*Facade, *fake.Exchange) {
	t.Helper()
	ex := fake.New("coinbase", "BTC/USD", "ETH/USD")
	reg := exchange.NewRegistry()
	reg.RegisterInstance(ex)

	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := New(reg, store, nil, Config{
		Manager: manager.Config{
			ShutdownGrace: time.Second,
			Stream:        stream.Config{BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond},
		},
	})
	t.Cleanup(func() { f.Stop(time.Second) })
	return f, ex
}

func TestSubscribeRequiresStart(t *testing.T) {
	f, _ := newFacade(t)

	err := f.Subscribe("widget", model.TradesKey("coinbase", "BTC/USD"))
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, f.Start())
	require.NoError(t, f.Start()) // idempotent
	require.NoError(t, f.Subscribe("widget", model.TradesKey("coinbase", "BTC/USD")))
}

func TestFetchCandlesOnce(t *testing.T) {
	f, ex := newFacade(t)

	ex.QueuePage("BTC/USD", model.TF1m, model.CandleSeries{
		{TimestampSeconds: t0, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1},
		{TimestampSeconds: t0 + 60, Open: 100.5, High: 102, Low: 100, Close: 101, Volume: 2},
	})

	got, err := f.FetchCandlesOnce(context.Background(), "coinbase", "BTC/USD", model.TF1m, t0*1000)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Second call is served by the cache plus an empty page.
	got, err = f.FetchCandlesOnce(context.Background(), "coinbase", "BTC/USD", model.TF1m, t0*1000)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSignalRegistrationRoundTrip(t *testing.T) {
	f, ex := newFacade(t)
	require.NoError(t, f.Start())

	var trades []model.Trade
	h := f.RegisterSignal(bus.NewTrade, func(sig bus.Signal) {
		trades = append(trades, sig.Payload.(model.Trade))
	})

	require.NoError(t, f.Subscribe("tape", model.TradesKey("coinbase", "BTC/USD")))
	ex.PushTrade(model.Trade{Exchange: "coinbase", Symbol: "BTC/USD", Price: 5, Amount: 1, TimestampMillis: 1000})

	require.Eventually(t, func() bool {
		f.Drain()
		return len(trades) == 1
	}, 2*time.Second, time.Millisecond)

	f.UnregisterSignal(h)
	ex.PushTrade(model.Trade{Exchange: "coinbase", Symbol: "BTC/USD", Price: 6, Amount: 1, TimestampMillis: 2000})
	time.Sleep(10 * time.Millisecond)
	f.Drain()
	assert.Len(t, trades, 1)
}

func TestStopShutsEverythingDown(t *testing.T) {
	f, ex := newFacade(t)
	require.NoError(t, f.Start())

	// Three subscribers across five stream keys, two of them candles.
	require.NoError(t, f.Subscribe("a", model.CandlesKey("coinbase", "BTC/USD", model.TF1m)))
	require.NoError(t, f.Subscribe("a", model.CandlesKey("coinbase", "BTC/USD", model.TF1h)))
	require.NoError(t, f.Subscribe("b", model.OrderBookKey("coinbase", "BTC/USD")))
	require.NoError(t, f.Subscribe("c", model.TickerKey("coinbase", "ETH/USD")))
	require.NoError(t, f.Subscribe("c", model.TradesKey("coinbase", "ETH/USD")))

	require.Eventually(t, func() bool {
		return ex.OpenTradeStreams() == 2 && ex.OpenBookStreams() == 1 && ex.OpenTickerStreams() == 1
	}, 2*time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, f.Stop(3*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.True(t, ex.Closed())
	assert.Equal(t, 0, ex.OpenTradeStreams())
	assert.Equal(t, 0, ex.OpenBookStreams())
	assert.Equal(t, 0, ex.OpenTickerStreams())
	assert.Equal(t, 0, f.Qsize())

	err := f.Subscribe("late", model.TradesKey("coinbase", "BTC/USD"))
	require.ErrorIs(t, err, ErrStopped)

	_, err = f.FetchCandlesOnce(context.Background(), "coinbase", "BTC/USD", model.TF1m, 0)
	require.ErrorIs(t, err, ErrStopped)

	require.NoError(t, f.Stop(time.Second)) // idempotent
}
