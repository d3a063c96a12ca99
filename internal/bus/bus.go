// Package bus is the delivery boundary between the streaming goroutines and
// the consumer. Producers publish signals from any goroutine; the consumer
// calls Drain on its own goroutine and handlers run there, so subscriber code
// never has to think about locking.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/telemetry"
)

// Type discriminates signal payloads.
type Type string

const (
	NewTrade        Type = "NEW_TRADE"
	OrderBookUpdate Type = "ORDER_BOOK_UPDATE"
	NewTicker       Type = "NEW_TICKER"
	InitialCandles  Type = "INITIAL_CANDLES"
	UpdatedCandle   Type = "UPDATED_CANDLE"
	TaskError       Type = "TASK_ERROR"
)

// Signal is one queued event. Exactly one payload field matching Type is set.
type Signal struct {
	Type    Type
	Payload any
}

// InitialCandlesPayload delivers the seed history for a candles subscription.
// Subscriber addresses the delivery: only the subscriber that triggered the
// seed should treat it as its initial snapshot. Degraded marks a snapshot
// whose seed fetch failed; Candles then carry whatever the cache still had.
type InitialCandlesPayload struct {
	Exchange   string
	Symbol     string
	Timeframe  model.Timeframe
	Candles    model.CandleSeries
	Subscriber string
	Degraded   bool
}

// CandleUpdatePayload carries one revised or newly opened bar.
type CandleUpdatePayload struct {
	Exchange  string
	Symbol    string
	Timeframe model.Timeframe
	Bar       model.Candle
}

// TaskErrorPayload reports a stream task failure or a backpressure event.
type TaskErrorPayload struct {
	Key   model.StreamKey
	Fatal bool
	Err   error
}

// Handle identifies a subscription for Unsubscribe.
type Handle string

// Handler runs on the goroutine that calls Drain. It must not call Drain.
type Handler func(Signal)

type subscription struct {
	id Handle
	fn Handler
}

// Bus is a multi-producer single-consumer signal queue with typed fanout.
// Publish never blocks; the queue is unbounded and the producer side applies
// its own backpressure policy before publishing.
type Bus struct {
	metrics *telemetry.Metrics

	mu    sync.Mutex
	queue []Signal
	subs  map[Type][]subscription
}

// New builds an empty bus.
func New(metrics *telemetry.Metrics) *Bus {
	return &Bus{
		metrics: metrics,
		subs:    make(map[Type][]subscription),
	}
}

// Subscribe registers fn for signals of type t. Handlers for the same type
// run in registration order. Safe to call from inside a handler; the new
// subscription sees signals dispatched after the current one.
func (b *Bus) Subscribe(t Type, fn Handler) Handle {
	id := Handle(uuid.NewString())
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown handles are a no-op. Safe to
// call from inside a handler, including the handler being removed.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, list := range b.subs {
		for i, s := range list {
			if s.id == h {
				// copy-on-write: an in-flight Drain iterates its own snapshot
				next := make([]subscription, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				b.subs[t] = next
				return
			}
		}
	}
}

// Publish enqueues a signal. Callable from any goroutine.
func (b *Bus) Publish(sig Signal) {
	b.mu.Lock()
	b.queue = append(b.queue, sig)
	n := len(b.queue)
	b.mu.Unlock()
	b.metrics.SetBusQueueSize(n)
}

// Qsize returns the number of queued, undrained signals.
func (b *Bus) Qsize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drain dispatches queued signals to their subscribers on the calling
// goroutine until the queue is empty, and returns the number of signals
// processed. Signals published from inside a handler are dispatched within
// the same Drain call, so consumer-side publishes behave synchronously. A
// panicking handler is isolated and logged; remaining handlers still run.
func (b *Bus) Drain() int {
	total := 0
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()
		if len(batch) == 0 {
			b.metrics.SetBusQueueSize(0)
			return total
		}

		for _, sig := range batch {
			b.mu.Lock()
			snapshot := b.subs[sig.Type]
			b.mu.Unlock()
			for _, sub := range snapshot {
				dispatch(sub, sig)
			}
		}
		total += len(batch)
	}
}

func dispatch(sub subscription, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("signal", string(sig.Type)).
				Interface("panic", r).
				Msg("signal handler panicked")
		}
	}()
	sub.fn(sig)
}
