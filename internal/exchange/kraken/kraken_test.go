package kraken

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
)

func newTestExchange(t *testing.T, handler http.Handler) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithURLs("kraken", srv.URL, "")
}

func TestListMarkets(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/AssetPairs", r.URL.Path)
		fmt.Fprint(w, `{"error":[],"result":{
			"XXBTZUSD":{"wsname":"XBT/USD","pair_decimals":1,"status":"online"},
			"XETHZUSD":{"wsname":"ETH/USD","pair_decimals":2,"status":"online"},
			"DARKPOOL":{"wsname":"","pair_decimals":1},
			"HALTED":{"wsname":"DOGE/USD","pair_decimals":5,"status":"cancel_only"}
		}}`)
	}))

	markets, err := ex.ListMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, uint8(1), markets["BTC/USD"].PricePrecision, "XBT folds back to BTC")
	assert.Equal(t, uint8(2), markets["ETH/USD"].PricePrecision)
}

func TestFetchOHLCVPage(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/OHLC", r.URL.Path)
		require.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))
		require.Equal(t, "1", r.URL.Query().Get("interval"))
		// [time, open, high, low, close, vwap, volume, count], oldest first.
		// The first row predates the window and must be dropped.
		fmt.Fprint(w, `{"error":[],"result":{
			"XXBTZUSD":[
				[0,"1","2","0.5","1.5","1.2","10",3],
				[60,"10","12","9","11","10.5","3",5],
				[120,"11","13","10","12","11.4","2",4]
			],
			"last":120
		}}`)
	}))

	series, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF1m, 60_000, 720)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, int64(60), series[0].TimestampSeconds)
	assert.Equal(t, float64(11), series[0].Close)
	assert.Equal(t, float64(3), series[0].Volume, "volume comes from field 6, not vwap")
	assert.Equal(t, int64(120), series[1].TimestampSeconds)
}

func TestFetchOHLCVPageUnsupportedTimeframe(t *testing.T) {
	ex := NewWithURLs("kraken", "http://unused", "")
	_, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF3m, 0, 720)
	require.Error(t, err)
	assert.Equal(t, exchange.ErrNotSupported, exchange.KindOf(err))
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		apiError string
		want     exchange.ErrKind
	}{
		{"EAPI:Rate limit exceeded", exchange.ErrRateLimited},
		{"EAPI:Invalid key", exchange.ErrAuthenticationFailed},
		{"EGeneral:Permission denied", exchange.ErrAuthenticationFailed},
		{"EQuery:Unknown asset pair", exchange.ErrBadRequest},
		{"EGeneral:Invalid arguments", exchange.ErrBadRequest},
		{"EService:Unavailable", exchange.ErrTransientNetwork},
		{"ESomething:Else", exchange.ErrUnknown},
	}
	for _, tc := range cases {
		err := classifyAPIError("kraken", "/0/public/OHLC", []string{tc.apiError})
		assert.Equal(t, tc.want, exchange.KindOf(err), tc.apiError)
	}
}

func TestFetchOHLCVPageSurfacesAPIError(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":["EQuery:Unknown asset pair"],"result":null}`)
	}))

	_, err := ex.FetchOHLCVPage(context.Background(), "NOPE/USD", model.TF1m, 0, 720)
	require.Error(t, err)
	assert.Equal(t, exchange.ErrBadRequest, exchange.KindOf(err))
	assert.True(t, exchange.IsFatal(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	ex := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := ex.FetchOHLCVPage(context.Background(), "BTC/USD", model.TF1m, 0, 720)
	require.Error(t, err)
	assert.True(t, exchange.IsTransient(err))
}

func TestPairMapping(t *testing.T) {
	assert.Equal(t, "XBT/USD", toWSPair("BTC/USD"))
	assert.Equal(t, "ETH/USD", toWSPair("ETH/USD"))
	assert.Equal(t, "BTC/USD", toSymbol("XBT/USD"))
	assert.Equal(t, "XBTUSD", toRESTPair("BTC/USD"))
	assert.Equal(t, "ETHUSD", toRESTPair("ETH/USD"))
}
