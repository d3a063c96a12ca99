// Package coinbase adapts Coinbase Exchange (Advanced Trade market data) to
// exchange.Capability. REST pages go through a circuit breaker and a token
// bucket limiter; live data rides one multiplexed WebSocket per stream kind.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
)

const (
	defaultBaseURL = "https://api.exchange.coinbase.com"
	defaultWSURL   = "wss://ws-feed.exchange.coinbase.com"

	// Public endpoints allow 10 req/s per IP.
	restRateLimitMillis = 100

	// Candle pages are capped by the venue.
	maxCandlesPerPage = 300
)

// granularity maps canonical timeframes onto the granularities Coinbase
// serves. Timeframes outside this map are ErrNotSupported.
var granularity = map[model.Timeframe]int64{
	model.TF1m:  60,
	model.TF5m:  300,
	model.TF15m: 900,
	model.TF1h:  3600,
	model.TF6h:  21600,
	model.TF1d:  86400,
}

// Exchange is the Coinbase adapter.
type Exchange struct {
	id      string
	baseURL string
	wsURL   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New constructs the adapter with production endpoints.
func New(id string) (*Exchange, error) {
	return newWithURLs(id, defaultBaseURL, defaultWSURL), nil
}

// NewWithURLs constructs the adapter against alternate endpoints, used by
// sandbox configs and httptest servers.
func NewWithURLs(id, baseURL, wsURL string) *Exchange {
	return newWithURLs(id, baseURL, wsURL)
}

func newWithURLs(id, baseURL, wsURL string) *Exchange {
	settings := gobreaker.Settings{Name: "coinbase-rest"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return &Exchange{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   wsURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(restRateLimitMillis*time.Millisecond), 5),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (e *Exchange) ID() string { return e.id }

func (e *Exchange) RateLimitMillis() uint32 { return restRateLimitMillis }

type product struct {
	ID             string `json:"id"`
	QuoteIncrement string `json:"quote_increment"`
	Status         string `json:"status"`
}

// ListMarkets returns online products keyed by normalized symbol
// ("BTC-USD" → "BTC/USD").
func (e *Exchange) ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error) {
	var products []product
	if err := e.getJSON(ctx, "/products", &products); err != nil {
		return nil, err
	}
	out := make(map[string]model.MarketInfo, len(products))
	for _, p := range products {
		if p.Status != "online" {
			continue
		}
		sym := toSymbol(p.ID)
		out[sym] = model.MarketInfo{
			Symbol:          sym,
			PricePrecision:  precisionOf(p.QuoteIncrement),
			RateLimitMillis: restRateLimitMillis,
		}
	}
	return out, nil
}

// FetchOHLCVPage fetches one candle page. Coinbase serves newest-first
// arrays of [time, low, high, open, close, volume]; rows come back oldest
// first and second-aligned.
func (e *Exchange) FetchOHLCVPage(ctx context.Context, symbol string, tf model.Timeframe, sinceMillis int64, limit int) (model.CandleSeries, error) {
	gran, ok := granularity[tf]
	if !ok {
		return nil, exchange.NewError(exchange.ErrNotSupported, e.id, "fetch_ohlcv",
			fmt.Errorf("timeframe %s not served by coinbase", tf))
	}
	if limit <= 0 || limit > maxCandlesPerPage {
		limit = maxCandlesPerPage
	}

	start := time.UnixMilli(sinceMillis).UTC()
	end := start.Add(time.Duration(gran*int64(limit)) * time.Second)
	path := fmt.Sprintf("/products/%s/candles?granularity=%d&start=%s&end=%s",
		toProductID(symbol), gran,
		start.Format(time.RFC3339), end.Format(time.RFC3339))

	var rows [][6]float64
	if err := e.getJSON(ctx, path, &rows); err != nil {
		return nil, err
	}

	series := make(model.CandleSeries, 0, len(rows))
	// Newest first on the wire; walk backwards for ascending output.
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		c := model.Candle{
			TimestampSeconds: int64(r[0]),
			Low:              r[1],
			High:             r[2],
			Open:             r[3],
			Close:            r[4],
			Volume:           r[5],
		}
		if !c.Valid() {
			log.Debug().Str("exchange", e.id).Str("symbol", symbol).
				Int64("ts", c.TimestampSeconds).Msg("discarding malformed candle row")
			continue
		}
		if c.TimestampSeconds*1000 < sinceMillis {
			continue
		}
		series = append(series, c)
	}
	if len(series) > limit {
		series = series[:limit]
	}
	return series, nil
}

// getJSON runs a rate-limited, breaker-guarded GET and decodes the body.
func (e *Exchange) getJSON(ctx context.Context, path string, out any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return exchange.NewError(exchange.ErrTransientNetwork, e.id, path, err)
	}

	body, err := e.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
		if err != nil {
			return nil, exchange.NewError(exchange.ErrBadRequest, e.id, path, err)
		}
		req.Header.Set("User-Agent", "marketmux/1.0")
		resp, err := e.http.Do(req)
		if err != nil {
			return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, path, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, path, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(e.id, path, resp, raw)
		}
		return raw, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return exchange.NewError(exchange.ErrTransientNetwork, e.id, path, err)
		}
		return err
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return exchange.NewError(exchange.ErrUnknown, e.id, path, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func classifyStatus(venue, op string, resp *http.Response, body []byte) error {
	msg := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var after time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return exchange.NewRateLimited(venue, op, after, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return exchange.NewError(exchange.ErrAuthenticationFailed, venue, op, msg)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return exchange.NewError(exchange.ErrBadRequest, venue, op, msg)
	case resp.StatusCode >= 500:
		return exchange.NewError(exchange.ErrTransientNetwork, venue, op, msg)
	}
	return exchange.NewError(exchange.ErrUnknown, venue, op, msg)
}

// toProductID converts "BTC/USD" to the venue's "BTC-USD".
func toProductID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// toSymbol converts "BTC-USD" to the normalized "BTC/USD".
func toSymbol(productID string) string {
	return strings.ReplaceAll(productID, "-", "/")
}

// precisionOf counts decimal places in a quote increment like "0.01".
func precisionOf(increment string) uint8 {
	idx := strings.IndexByte(increment, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(increment[idx+1:], "0")
	return uint8(len(frac))
}
