// Package exchange defines the capability boundary between the market data
// core and any concrete venue. The rest of the core talks only to the
// Capability interface; provider client code never leaks past an adapter.
package exchange

import (
	"context"

	"github.com/marketmux/marketmux/internal/model"
)

// Stream is a live feed of one item kind. C yields items until the stream
// ends; after C is closed, Err reports the fatal error that ended it (nil on
// a clean Close). SetSymbols hot-reloads the watched symbol set on venues
// with multi-symbol transports and returns ErrNotSupported otherwise.
type Stream[T any] interface {
	C() <-chan T
	Err() error
	SetSymbols(symbols []string) error
	Close() error
}

// Capability is the thin abstraction over one market data provider.
//
// Failure contract: every method returns a *Error whose ErrKind tells the
// caller whether to retry ({transient_network, rate_limited}) or surface
// ({authentication_failed, bad_request, not_supported, unknown}).
type Capability interface {
	// ID returns the exchange identifier, e.g. "coinbase".
	ID() string

	// ListMarkets returns the tradable markets keyed by normalized symbol.
	ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error)

	// RateLimitMillis returns the venue's minimum REST request spacing.
	RateLimitMillis() uint32

	// FetchOHLCVPage fetches up to limit candles at or after sinceMillis.
	// Rows come back second-aligned, timestamps monotonically non-decreasing.
	FetchOHLCVPage(ctx context.Context, symbol string, tf model.Timeframe, sinceMillis int64, limit int) (model.CandleSeries, error)

	// WatchTrades opens a live trade stream for the given symbols.
	// The stream is finite only on fatal error, and restartable.
	WatchTrades(ctx context.Context, symbols []string) (Stream[model.Trade], error)

	// WatchOrderBook opens a live order book snapshot stream.
	WatchOrderBook(ctx context.Context, symbols []string) (Stream[model.OrderBookSnapshot], error)

	// WatchTicker opens a live ticker stream.
	WatchTicker(ctx context.Context, symbols []string) (Stream[model.Ticker], error)

	// Close releases every transport held by the adapter.
	Close() error
}

// chanStream is the channel-backed Stream implementation shared by the
// adapters in this module.
type chanStream[T any] struct {
	ch      chan T
	err     error
	set     func(symbols []string) error
	closefn func() error
}

// NewChanStream wraps a channel as a Stream. setSymbols and closefn may be
// nil; a nil setSymbols yields ErrNotSupported from SetSymbols.
func NewChanStream[T any](ch chan T, setSymbols func([]string) error, closefn func() error) Stream[T] {
	return &chanStream[T]{ch: ch, set: setSymbols, closefn: closefn}
}

func (s *chanStream[T]) C() <-chan T { return s.ch }

func (s *chanStream[T]) Err() error { return s.err }

func (s *chanStream[T]) SetSymbols(symbols []string) error {
	if s.set == nil {
		return NewError(ErrNotSupported, "", "set_symbols", nil)
	}
	return s.set(symbols)
}

func (s *chanStream[T]) Close() error {
	if s.closefn != nil {
		return s.closefn()
	}
	return nil
}

// Fail records the fatal error that ends the stream. Call before closing
// the channel.
func (s *chanStream[T]) Fail(err error) { s.err = err }

// FailStream records err on streams produced by NewChanStream. It is a
// no-op for foreign Stream implementations.
func FailStream[T any](s Stream[T], err error) {
	if cs, ok := s.(*chanStream[T]); ok {
		cs.Fail(err)
	}
}
