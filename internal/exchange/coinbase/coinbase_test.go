package coinbase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
)

func newTestExchange(t *testing.T, handler http.Handler) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithURLs("coinbase", srv.URL, "")
}

func TestListMarkets(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products", r.URL.Path)
		json.NewEncoder(w).Encode([]product{
			{ID: "BTC-USD", QuoteIncrement: "0.01", Status: "online"},
			{ID: "ETH-USD", QuoteIncrement: "0.001", Status: "online"},
			{ID: "OLD-USD", QuoteIncrement: "0.01", Status: "delisted"},
		})
	}))

	markets, err := ex.ListMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, uint8(2), markets["BTC/USD"].PricePrecision)
	assert.Equal(t, uint8(3), markets["ETH/USD"].PricePrecision)
	_, delisted := markets["OLD/USD"]
	assert.False(t, delisted)
}

func TestFetchOHLCVPageReversesAndFilters(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/products/BTC-USD/candles"))
		require.Equal(t, "60", r.URL.Query().Get("granularity"))
		// Newest first, [time, low, high, open, close, volume]. The first
		// row predates the requested window and must be dropped.
		json.NewEncoder(w).Encode([][6]float64{
			{180, 9, 12, 10, 11, 3},
			{120, 8, 11, 9, 10, 2},
			{0, 1, 2, 1.5, 1.8, 1},
		})
	}))

	series, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF1m, 60_000, 300)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, int64(120), series[0].TimestampSeconds)
	assert.Equal(t, int64(180), series[1].TimestampSeconds)
	assert.Equal(t, float64(10), series[0].Close)
}

func TestFetchOHLCVPageUnsupportedTimeframe(t *testing.T) {
	ex := NewWithURLs("coinbase", "http://unused", "")
	_, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF3m, 0, 300)
	require.Error(t, err)
	assert.Equal(t, exchange.ErrNotSupported, exchange.KindOf(err))
}

func TestFetchOHLCVPageRateLimited(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF1m, 0, 300)
	require.Error(t, err)
	hint, ok := exchange.IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)
}

func TestFetchOHLCVPageAuthFailure(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF1m, 0, 300)
	require.Error(t, err)
	assert.True(t, exchange.IsFatal(err))
	assert.Equal(t, exchange.ErrAuthenticationFailed, exchange.KindOf(err))
}

func TestFetchOHLCVPageServerErrorIsTransient(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF1m, 0, 300)
	require.Error(t, err)
	assert.True(t, exchange.IsTransient(err))
}

func TestWatchTradesNormalizesMatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub subscribeRequest
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, []string{"BTC-USD"}, sub.ProductIDs)

		// Maker sold, so the aggressor bought.
		conn.WriteJSON(map[string]any{
			"type": "match", "product_id": "BTC-USD",
			"price": "50000.5", "size": "0.25", "side": "sell",
			"time": "2024-01-02T03:04:05.6Z",
		})
		// Malformed frame is dropped, not fatal.
		conn.WriteJSON(map[string]any{
			"type": "match", "product_id": "BTC-USD",
			"price": "bogus", "size": "1", "side": "buy",
		})
		conn.WriteJSON(map[string]any{
			"type": "match", "product_id": "BTC-USD",
			"price": "50001", "size": "0.1", "side": "buy",
		})
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ex := NewWithURLs("coinbase", "http://unused", "ws"+strings.TrimPrefix(srv.URL, "http"))
	stream, err := ex.WatchTrades(context.Background(), []string{"BTC/USD"})
	require.NoError(t, err)
	defer stream.Close()

	trade := <-stream.C()
	assert.Equal(t, "coinbase", trade.Exchange)
	assert.Equal(t, "BTC/USD", trade.Symbol)
	assert.Equal(t, 50000.5, trade.Price)
	assert.Equal(t, 0.25, trade.Amount)
	assert.Equal(t, model.SideBuy, trade.Side)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 600_000_000, time.UTC).UnixMilli(), trade.TimestampMillis)

	trade = <-stream.C()
	assert.Equal(t, model.SideSell, trade.Side)
	assert.Equal(t, float64(50001), trade.Price)
}

func TestWatchTradesCloseUnblocksSaturatedReader(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub subscribeRequest
		require.NoError(t, conn.ReadJSON(&sub))
		// More matches than the stream buffer holds.
		for i := 0; i < 1200; i++ {
			err := conn.WriteJSON(map[string]any{
				"type": "match", "product_id": "BTC-USD",
				"price": "100", "size": "1", "side": "buy",
			})
			if err != nil {
				return
			}
		}
		conn.ReadMessage() // hold the connection until the client hangs up
	}))
	defer srv.Close()

	ex := NewWithURLs("coinbase", "http://unused", "ws"+strings.TrimPrefix(srv.URL, "http"))
	before := runtime.NumGoroutine()

	stream, err := ex.WatchTrades(context.Background(), []string{"BTC/USD"})
	require.NoError(t, err)

	// Nobody consumes, so the reader fills the buffer and parks on a send.
	// Close must still let it exit.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, stream.Close())

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTC-USD", toProductID("BTC/USD"))
	assert.Equal(t, "BTC/USD", toSymbol("BTC-USD"))
}

func TestPrecisionOf(t *testing.T) {
	assert.Equal(t, uint8(2), precisionOf("0.01"))
	assert.Equal(t, uint8(4), precisionOf("0.000100"))
	assert.Equal(t, uint8(0), precisionOf("1"))
}
