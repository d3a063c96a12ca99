// Package fake implements a scripted exchange.Capability for tests and
// offline demos. Pages, stream items, and failures are queued up front so a
// test controls exactly what the core observes, in what order.
package fake

import (
	"context"
	"sync"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
)

// Exchange is a deterministic, fully scripted exchange.Capability.
// Zero value is not usable; construct with New.
type Exchange struct {
	id string

	mu      sync.Mutex
	markets map[string]model.MarketInfo

	// Scripted OHLCV pages per (symbol, timeframe). Each FetchOHLCVPage
	// call pops the head; an exhausted script returns empty pages. When
	// PageScript is set it overrides the queue entirely.
	pages      map[pageKey][]pageResult
	PageScript func(symbol string, tf model.Timeframe, sinceMillis int64, limit int) (model.CandleSeries, error)

	// Live feeds, one per kind. Items pushed before or after WatchX are
	// delivered to the open stream for their symbol set.
	trades  *feed[model.Trade]
	books   *feed[model.OrderBookSnapshot]
	tickers *feed[model.Ticker]

	fetchCalls int
	closed     bool
}

type pageKey struct {
	symbol string
	tf     model.Timeframe
}

type pageResult struct {
	candles model.CandleSeries
	err     error
}

// New returns a fake exchange with the given id and a default 100ms rate
// limit for every market passed in.
func New(id string, symbols ...string) *Exchange {
	markets := make(map[string]model.MarketInfo, len(symbols))
	for _, s := range symbols {
		markets[s] = model.MarketInfo{Symbol: s, PricePrecision: 2, RateLimitMillis: 100}
	}
	return &Exchange{
		id:      id,
		markets: markets,
		pages:   make(map[pageKey][]pageResult),
		trades:  newFeed[model.Trade](),
		books:   newFeed[model.OrderBookSnapshot](),
		tickers: newFeed[model.Ticker](),
	}
}

func (e *Exchange) ID() string { return e.id }

func (e *Exchange) RateLimitMillis() uint32 { return 100 }

func (e *Exchange) ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.MarketInfo, len(e.markets))
	for k, v := range e.markets {
		out[k] = v
	}
	return out, nil
}

// QueuePage appends a scripted OHLCV page for (symbol, tf).
func (e *Exchange) QueuePage(symbol string, tf model.Timeframe, candles model.CandleSeries) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := pageKey{symbol, tf}
	e.pages[k] = append(e.pages[k], pageResult{candles: candles})
}

// QueuePageError appends a scripted failure for (symbol, tf).
func (e *Exchange) QueuePageError(symbol string, tf model.Timeframe, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := pageKey{symbol, tf}
	e.pages[k] = append(e.pages[k], pageResult{err: err})
}

// FetchCalls returns how many FetchOHLCVPage calls were made.
func (e *Exchange) FetchCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchCalls
}

func (e *Exchange) FetchOHLCVPage(ctx context.Context, symbol string, tf model.Timeframe, sinceMillis int64, limit int) (model.CandleSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.fetchCalls++
	script := e.PageScript
	var next pageResult
	var scripted bool
	if script == nil {
		k := pageKey{symbol, tf}
		if q := e.pages[k]; len(q) > 0 {
			next, scripted = q[0], true
			e.pages[k] = q[1:]
		}
	}
	e.mu.Unlock()

	if script != nil {
		return script(symbol, tf, sinceMillis, limit)
	}
	if !scripted {
		return nil, nil // exhausted script reads as "no more data"
	}
	if next.err != nil {
		return nil, next.err
	}
	if limit > 0 && len(next.candles) > limit {
		return next.candles[:limit], nil
	}
	return next.candles, nil
}

func (e *Exchange) WatchTrades(ctx context.Context, symbols []string) (exchange.Stream[model.Trade], error) {
	return e.trades.open(e.id, symbols)
}

func (e *Exchange) WatchOrderBook(ctx context.Context, symbols []string) (exchange.Stream[model.OrderBookSnapshot], error) {
	return e.books.open(e.id, symbols)
}

func (e *Exchange) WatchTicker(ctx context.Context, symbols []string) (exchange.Stream[model.Ticker], error) {
	return e.tickers.open(e.id, symbols)
}

// PushTrade delivers a trade to the open trade stream for its symbol.
func (e *Exchange) PushTrade(t model.Trade) { e.trades.push(t.Symbol, t) }

// PushOrderBook delivers a snapshot to the open order book stream.
func (e *Exchange) PushOrderBook(b model.OrderBookSnapshot) { e.books.push(b.Symbol, b) }

// PushTicker delivers a ticker to the open ticker stream.
func (e *Exchange) PushTicker(t model.Ticker) { e.tickers.push(t.Symbol, t) }

// FailTrades ends the open trade stream with err, as a venue would on a
// fatal transport error.
func (e *Exchange) FailTrades(err error) { e.trades.fail(err) }

// TradeSymbols returns the symbol set of the open trade stream.
func (e *Exchange) TradeSymbols() []string { return e.trades.symbols() }

// OpenTradeStreams returns how many trade streams are currently open.
// The ref-counting tests pivot on this staying at most 1 per market.
func (e *Exchange) OpenTradeStreams() int { return e.trades.openCount() }

// OpenBookStreams returns how many order book streams are currently open.
func (e *Exchange) OpenBookStreams() int { return e.books.openCount() }

// OpenTickerStreams returns how many ticker streams are currently open.
func (e *Exchange) OpenTickerStreams() int { return e.tickers.openCount() }

func (e *Exchange) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.trades.closeAll()
	e.books.closeAll()
	e.tickers.closeAll()
	return nil
}

// Closed reports whether Close was called.
func (e *Exchange) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
