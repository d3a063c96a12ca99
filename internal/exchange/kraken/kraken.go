// Package kraken adapts the Kraken spot market data API to
// exchange.Capability. Same shape as the coinbase adapter: breaker + token
// bucket around REST, one multiplexed v1 WebSocket per stream kind.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	defaultWSURL   = "wss://ws.kraken.com"

	restRateLimitMillis = 1000

	// The OHLC endpoint returns up to 720 rows per call.
	maxCandlesPerPage = 720
)

// intervalMinutes maps canonical timeframes onto Kraken OHLC intervals.
var intervalMinutes = map[model.Timeframe]int64{
	model.TF1m:  1,
	model.TF5m:  5,
	model.TF15m: 15,
	model.TF30m: 30,
	model.TF1h:  60,
	model.TF4h:  240,
	model.TF1d:  1440,
}

// Exchange is the Kraken adapter.
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
	return NewWithURLs(id, defaultBaseURL, defaultWSURL), nil
}

// NewWithURLs constructs the adapter against alternate endpoints.
func NewWithURLs(id, baseURL, wsURL string) *Exchange {
	settings := gobreaker.Settings{Name: "kraken-rest"}
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
		limiter: rate.NewLimiter(rate.Every(restRateLimitMillis*time.Millisecond), 2),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (e *Exchange) ID() string { return e.id }

func (e *Exchange) RateLimitMillis() uint32 { return restRateLimitMillis }

type assetPair struct {
	WSName       string `json:"wsname"` // e.g. "XBT/USD"
	PairDecimals uint8  `json:"pair_decimals"`
	Status       string `json:"status"`
}

// ListMarkets returns online asset pairs keyed by normalized symbol
// (Kraken's "XBT" alias is folded back to "BTC").
func (e *Exchange) ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error) {
	var pairs map[string]assetPair
	if err := e.getJSON(ctx, "/0/public/AssetPairs", &pairs); err != nil {
		return nil, err
	}
	out := make(map[string]model.MarketInfo, len(pairs))
	for _, p := range pairs {
		if p.WSName == "" || (p.Status != "" && p.Status != "online") {
			continue
		}
		sym := toSymbol(p.WSName)
		out[sym] = model.MarketInfo{
			Symbol:          sym,
			PricePrecision:  p.PairDecimals,
			RateLimitMillis: restRateLimitMillis,
		}
	}
	return out, nil
}

// FetchOHLCVPage fetches one OHLC page. Kraken rows are
// [time, open, high, low, close, vwap, volume, count], oldest first.
func (e *Exchange) FetchOHLCVPage(ctx context.Context, symbol string, tf model.Timeframe, sinceMillis int64, limit int) (model.CandleSeries, error) {
	interval, ok := intervalMinutes[tf]
	if !ok {
		return nil, exchange.NewError(exchange.ErrNotSupported, e.id, "fetch_ohlcv",
			fmt.Errorf("timeframe %s not served by kraken", tf))
	}
	if limit <= 0 || limit > maxCandlesPerPage {
		limit = maxCandlesPerPage
	}

	// The endpoint returns rows strictly after `since`; step back one bar
	// so a bar opening exactly at sinceMillis is included.
	sinceSec := sinceMillis/1000 - interval*60
	if sinceSec < 0 {
		sinceSec = 0
	}
	path := fmt.Sprintf("/0/public/OHLC?pair=%s&interval=%d&since=%d", toRESTPair(symbol), interval, sinceSec)

	var result map[string]json.RawMessage
	if err := e.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}

	series := make(model.CandleSeries, 0, limit)
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]json.Number
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, exchange.NewError(exchange.ErrUnknown, e.id, path, fmt.Errorf("decode rows: %w", err))
		}
		for _, r := range rows {
			c, err := rowToCandle(r)
			if err != nil {
				log.Debug().Str("exchange", e.id).Str("symbol", symbol).Err(err).Msg("discarding malformed OHLC row")
				continue
			}
			if c.TimestampSeconds*1000 < sinceMillis {
				continue
			}
			series = append(series, c)
			if len(series) >= limit {
				break
			}
		}
		break // single pair per request
	}
	return series, nil
}

func rowToCandle(r []json.Number) (model.Candle, error) {
	if len(r) < 7 {
		return model.Candle{}, fmt.Errorf("short row (%d fields)", len(r))
	}
	f := func(n json.Number) float64 {
		v, _ := n.Float64()
		return v
	}
	c := model.Candle{
		TimestampSeconds: int64(f(r[0])),
		Open:             f(r[1]),
		High:             f(r[2]),
		Low:              f(r[3]),
		Close:            f(r[4]),
		Volume:           f(r[6]),
	}
	if !c.Valid() {
		return model.Candle{}, fmt.Errorf("invalid OHLCV values")
	}
	return c, nil
}

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

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
		if resp.StatusCode >= 500 {
			return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, path,
				fmt.Errorf("http %d", resp.StatusCode))
		}
		return raw, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return exchange.NewError(exchange.ErrTransientNetwork, e.id, path, err)
		}
		return err
	}

	var env krakenEnvelope
	if err := json.Unmarshal(body.([]byte), &env); err != nil {
		return exchange.NewError(exchange.ErrUnknown, e.id, path, fmt.Errorf("decode: %w", err))
	}
	if len(env.Error) > 0 {
		return classifyAPIError(e.id, path, env.Error)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return exchange.NewError(exchange.ErrUnknown, e.id, path, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// classifyAPIError maps Kraken's "ESeverity:Category" error strings onto the
// shared taxonomy.
func classifyAPIError(venue, op string, apiErrors []string) error {
	msg := fmt.Errorf("%s", strings.Join(apiErrors, "; "))
	first := apiErrors[0]
	switch {
	case strings.Contains(first, "Rate limit"):
		return exchange.NewRateLimited(venue, op, 0, msg)
	case strings.HasPrefix(first, "EAPI:Invalid key"), strings.HasPrefix(first, "EAPI:Invalid signature"),
		strings.HasPrefix(first, "EGeneral:Permission denied"):
		return exchange.NewError(exchange.ErrAuthenticationFailed, venue, op, msg)
	case strings.HasPrefix(first, "EQuery:"), strings.HasPrefix(first, "EGeneral:Invalid"):
		return exchange.NewError(exchange.ErrBadRequest, venue, op, msg)
	case strings.HasPrefix(first, "EService:"):
		return exchange.NewError(exchange.ErrTransientNetwork, venue, op, msg)
	}
	return exchange.NewError(exchange.ErrUnknown, venue, op, msg)
}

// toWSPair converts "BTC/USD" to the feed's "XBT/USD".
func toWSPair(symbol string) string {
	if strings.HasPrefix(symbol, "BTC/") {
		return "XBT/" + symbol[len("BTC/"):]
	}
	return symbol
}

// toSymbol converts a wsname like "XBT/USD" back to the normalized form.
func toSymbol(wsname string) string {
	if strings.HasPrefix(wsname, "XBT/") {
		return "BTC/" + wsname[len("XBT/"):]
	}
	return wsname
}

// toRESTPair converts "BTC/USD" to the REST pair parameter "XBTUSD".
func toRESTPair(symbol string) string {
	return strings.ReplaceAll(toWSPair(symbol), "/", "")
}
