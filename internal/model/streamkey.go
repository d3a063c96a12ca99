package model

import "fmt"

// StreamKind selects the resource type a StreamKey identifies.
type StreamKind uint8

const (
	KindTrades StreamKind = iota
	KindOrderBook
	KindTicker
	KindCandles
)

func (k StreamKind) String() string {
	switch k {
	case KindTrades:
		return "trades"
	case KindOrderBook:
		return "orderbook"
	case KindTicker:
		return "ticker"
	case KindCandles:
		return "candles"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// StreamKey identifies one live resource: a watcher task or a candle
// factory. It is the unit of reference counting. Equality is structural, so
// the struct is usable directly as a map key. Timeframe is empty for every
// kind except KindCandles.
type StreamKey struct {
	Kind      StreamKind
	Exchange  string
	Symbol    string
	Timeframe Timeframe
}

// TradesKey builds the trades key for a market.
func TradesKey(exchange, symbol string) StreamKey {
	return StreamKey{Kind: KindTrades, Exchange: exchange, Symbol: symbol}
}

// OrderBookKey builds the order book key for a market.
func OrderBookKey(exchange, symbol string) StreamKey {
	return StreamKey{Kind: KindOrderBook, Exchange: exchange, Symbol: symbol}
}

// TickerKey builds the ticker key for a market.
func TickerKey(exchange, symbol string) StreamKey {
	return StreamKey{Kind: KindTicker, Exchange: exchange, Symbol: symbol}
}

// CandlesKey builds the candle factory key for a market and timeframe.
func CandlesKey(exchange, symbol string, tf Timeframe) StreamKey {
	return StreamKey{Kind: KindCandles, Exchange: exchange, Symbol: symbol, Timeframe: tf}
}

// Dependencies returns the upstream stream keys this key needs running.
// Candles depend on the market's trade stream; everything else stands alone.
func (k StreamKey) Dependencies() []StreamKey {
	if k.Kind == KindCandles {
		return []StreamKey{TradesKey(k.Exchange, k.Symbol)}
	}
	return nil
}

// IsStream reports whether the key names a watcher task (as opposed to a
// derived candle factory).
func (k StreamKey) IsStream() bool {
	return k.Kind != KindCandles
}

func (k StreamKey) String() string {
	if k.Kind == KindCandles {
		return fmt.Sprintf("%s:%s:%s:%s", k.Kind, k.Exchange, k.Symbol, k.Timeframe)
	}
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Exchange, k.Symbol)
}
