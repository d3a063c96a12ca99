package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/exchange/fake"
	"github.com/marketmux/marketmux/internal/model"
)

type chanSink struct {
	trades  chan model.Trade
	books   chan model.OrderBookSnapshot
	tickers chan model.Ticker
	dead    chan error
}

func newChanSink() *chanSink {
	return &chanSink{
		trades:  make(chan model.Trade, 32),
		books:   make(chan model.OrderBookSnapshot, 32),
		tickers: make(chan model.Ticker, 32),
		dead:    make(chan error, 1),
	}
}

func (s *chanSink) OnTrade(t model.Trade)                      { s.trades <- t }
func (s *chanSink) OnOrderBook(b model.OrderBookSnapshot)      { s.books <- b }
func (s *chanSink) OnTicker(t model.Ticker)                    { s.tickers <- t }
func (s *chanSink) OnTaskDead(_ model.StreamKey, err error)    { s.dead <- err }

func waitOpen(t *testing.T, open func() int, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return open() == n }, time.Second, time.Millisecond)
}

func TestTaskDeliversTrades(t *testing.T) {
	ex := fake.New("fake", "BTC/USD")
	sink := newChanSink()
	task := NewTask(model.TradesKey("fake", "BTC/USD"), ex, sink, nil, Config{})
	task.Start()
	defer task.Stop()

	waitOpen(t, ex.OpenTradeStreams, 1)
	ex.PushTrade(model.Trade{Exchange: "fake", Symbol: "BTC/USD", Price: 100, Amount: 1, TimestampMillis: 1})

	select {
	case tr := <-sink.trades:
		assert.Equal(t, 100.0, tr.Price)
	case <-time.After(time.Second):
		t.Fatal("trade not delivered")
	}
}

func TestTaskStopExitsAndClosesStream(t *testing.T) {
	ex := fake.New("fake", "BTC/USD")
	task := NewTask(model.TradesKey("fake", "BTC/USD"), ex, newChanSink(), nil, Config{})
	task.Start()

	waitOpen(t, ex.OpenTradeStreams, 1)
	task.Stop()
	task.Stop() // idempotent

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit after Stop")
	}
	waitOpen(t, ex.OpenTradeStreams, 0)
	assert.False(t, task.Dead())
}

func TestTaskReconnectsAfterTransientFailure(t *testing.T) {
	ex := fake.New("fake", "BTC/USD")
	sink := newChanSink()
	task := NewTask(model.TradesKey("fake", "BTC/USD"), ex, sink, nil,
		Config{BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond})
	task.Start()
	defer task.Stop()

	waitOpen(t, ex.OpenTradeStreams, 1)
	ex.FailTrades(exchange.NewError(exchange.ErrTransientNetwork, "fake", "watch", errors.New("conn reset")))

	// A fresh stream is opened and keeps delivering.
	waitOpen(t, ex.OpenTradeStreams, 1)
	ex.PushTrade(model.Trade{Exchange: "fake", Symbol: "BTC/USD", Price: 42, Amount: 1, TimestampMillis: 1})
	select {
	case tr := <-sink.trades:
		assert.Equal(t, 42.0, tr.Price)
	case <-time.After(time.Second):
		t.Fatal("trade not delivered after reconnect")
	}
	assert.False(t, task.Dead())
}

func TestTaskDiesOnFatalError(t *testing.T) {
	ex := fake.New("fake", "BTC/USD")
	sink := newChanSink()
	task := NewTask(model.TradesKey("fake", "BTC/USD"), ex, sink, nil, Config{})
	task.Start()

	waitOpen(t, ex.OpenTradeStreams, 1)
	ex.FailTrades(exchange.NewError(exchange.ErrAuthenticationFailed, "fake", "watch", errors.New("bad key")))

	select {
	case err := <-sink.dead:
		assert.Equal(t, exchange.ErrAuthenticationFailed, exchange.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("OnTaskDead not called")
	}
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("dead task did not exit")
	}
	assert.True(t, task.Dead())
}

func TestTaskSymbolHotReload(t *testing.T) {
	ex := fake.New("fake", "BTC/USD", "ETH/USD")
	sink := newChanSink()
	task := NewTask(model.TradesKey("fake", "BTC/USD"), ex, sink, nil, Config{})
	task.Start()
	defer task.Stop()

	waitOpen(t, ex.OpenTradeStreams, 1)
	task.SetSymbols([]string{"BTC/USD", "ETH/USD"})

	// Same transport, expanded set.
	require.Eventually(t, func() bool {
		return len(ex.TradeSymbols()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, ex.OpenTradeStreams())

	ex.PushTrade(model.Trade{Exchange: "fake", Symbol: "ETH/USD", Price: 9, Amount: 1, TimestampMillis: 1})
	select {
	case tr := <-sink.trades:
		assert.Equal(t, "ETH/USD", tr.Symbol)
	case <-time.After(time.Second):
		t.Fatal("trade for added symbol not delivered")
	}
}

func TestOrderBookThrottleDeliversLastInWindow(t *testing.T) {
	ex := fake.New("fake", "BTC/USD")
	sink := newChanSink()
	task := NewTask(model.OrderBookKey("fake", "BTC/USD"), ex, sink, nil,
		Config{BookCadence: 80 * time.Millisecond})
	task.Start()
	defer task.Stop()

	waitOpen(t, ex.OpenBookStreams, 1)
	snap := func(ts int64) model.OrderBookSnapshot {
		return model.OrderBookSnapshot{
			Exchange: "fake", Symbol: "BTC/USD",
			Bids:            []model.BookLevel{{Price: 100, Amount: 1}},
			Asks:            []model.BookLevel{{Price: 101, Amount: 1}},
			TimestampMillis: ts,
		}
	}

	ex.PushOrderBook(snap(1)) // first in window: delivered immediately
	first := <-sink.books
	assert.Equal(t, int64(1), first.TimestampMillis)

	ex.PushOrderBook(snap(2)) // intermediate: replaced
	ex.PushOrderBook(snap(3)) // last in window: must arrive when window closes

	select {
	case b := <-sink.books:
		assert.Equal(t, int64(3), b.TimestampMillis)
	case <-time.After(time.Second):
		t.Fatal("last snapshot in window not delivered")
	}
	select {
	case b := <-sink.books:
		t.Fatalf("unexpected extra snapshot ts=%d", b.TimestampMillis)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTickerDelivery(t *testing.T) {
	ex := fake.New("fake", "BTC/USD")
	sink := newChanSink()
	task := NewTask(model.TickerKey("fake", "BTC/USD"), ex, sink, nil, Config{})
	task.Start()
	defer task.Stop()

	waitOpen(t, ex.OpenTickerStreams, 1)
	last := 100.5
	ex.PushTicker(model.Ticker{Exchange: "fake", Symbol: "BTC/USD", Last: &last, TimestampMillis: 1})

	select {
	case tk := <-sink.tickers:
		require.NotNil(t, tk.Last)
		assert.Equal(t, 100.5, *tk.Last)
	case <-time.After(time.Second):
		t.Fatal("ticker not delivered")
	}
}
