package stream

import "github.com/marketmux/marketmux/internal/model"

// FuncSink adapts plain callbacks to Sink for headless consumers that want
// items directly, bypassing the queue. Nil callbacks drop their items.
type FuncSink struct {
	Trade  func(model.Trade)
	Book   func(model.OrderBookSnapshot)
	Ticker func(model.Ticker)
	Dead   func(model.StreamKey, error)
}

func (s FuncSink) OnTrade(t model.Trade) {
	if s.Trade != nil {
		s.Trade(t)
	}
}

func (s FuncSink) OnOrderBook(b model.OrderBookSnapshot) {
	if s.Book != nil {
		s.Book(b)
	}
}

func (s FuncSink) OnTicker(t model.Ticker) {
	if s.Ticker != nil {
		s.Ticker(t)
	}
}

func (s FuncSink) OnTaskDead(key model.StreamKey, err error) {
	if s.Dead != nil {
		s.Dead(key, err)
	}
}
