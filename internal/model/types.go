// Package model holds the normalized market data types shared by every
// component: trades, order book snapshots, tickers, OHLCV candles, and the
// stream keys that identify live resources.
package model

import "time"

// TradeSide labels the aggressor side of a trade. Exchanges that do not
// report a side produce SideUnknown.
type TradeSide string

const (
	SideBuy     TradeSide = "buy"
	SideSell    TradeSide = "sell"
	SideUnknown TradeSide = "unknown"
)

// Trade is a single executed trade as reported by an exchange stream.
type Trade struct {
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	Price           float64   `json:"price"`
	Amount          float64   `json:"amount"`
	Side            TradeSide `json:"side"`
	TimestampMillis int64     `json:"timestamp_ms"`
}

// Time returns the exchange-assigned event time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TimestampMillis).UTC()
}

// Valid reports whether the trade carries usable price and amount fields.
func (t Trade) Valid() bool {
	return t.Price > 0 && t.Amount > 0 && t.Symbol != ""
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBookSnapshot is a point-in-time view of an order book.
// Bids are price-descending, asks price-ascending, prices unique per side.
type OrderBookSnapshot struct {
	Exchange        string      `json:"exchange"`
	Symbol          string      `json:"symbol"`
	Bids            []BookLevel `json:"bids"`
	Asks            []BookLevel `json:"asks"`
	TimestampMillis int64       `json:"timestamp_ms"`
}

// BestBid returns the top bid level, or false when the book side is empty.
func (b *OrderBookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book side is empty.
func (b *OrderBookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Ticker is a lightweight quote update. Every numeric field is optional;
// missing values are carried as nil rather than zero so consumers can tell
// "no quote" from "price is zero".
type Ticker struct {
	Exchange        string   `json:"exchange"`
	Symbol          string   `json:"symbol"`
	Bid             *float64 `json:"bid,omitempty"`
	Ask             *float64 `json:"ask,omitempty"`
	Last            *float64 `json:"last,omitempty"`
	TimestampMillis int64    `json:"timestamp_ms"`
}

// MarketInfo describes a tradable market as reported by ListMarkets.
type MarketInfo struct {
	Symbol          string `json:"symbol"`
	PricePrecision  uint8  `json:"price_precision"`
	RateLimitMillis uint32 `json:"rate_limit_ms"`
}
