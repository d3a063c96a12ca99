// Package stream runs the long-lived watcher tasks. One task drives one
// exchange stream (trades, order book, or ticker) in a loop: reconnect with
// backoff on transient failures, die on fatal ones, and hand every item to a
// sink chosen at task creation.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/telemetry"
)

// Sink receives items on the task's goroutine. Implementations must not
// block; the queue-backed sink in the manager enqueues and returns.
type Sink interface {
	OnTrade(model.Trade)
	OnOrderBook(model.OrderBookSnapshot)
	OnTicker(model.Ticker)
	// OnTaskDead is called once when the task gives up: fatal error or
	// retries are pointless. Not called on Stop.
	OnTaskDead(key model.StreamKey, err error)
}

// Config tunes task reconnect and throttling behaviour.
type Config struct {
	BackoffBase time.Duration // first reconnect delay, doubled per failure
	BackoffCap  time.Duration
	BookCadence time.Duration // >0 throttles order book snapshots per window
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Task is one running watcher. Create with NewTask, then call Start once.
type Task struct {
	key     model.StreamKey
	ex      exchange.Capability
	sink    Sink
	metrics *telemetry.Metrics
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
	reload   chan struct{} // kicked by SetSymbols

	mu      sync.Mutex
	symbols []string
	dead    bool
}

// NewTask builds a watcher for key on the given exchange.
func NewTask(key model.StreamKey, ex exchange.Capability, sink Sink, metrics *telemetry.Metrics, cfg Config) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		key:     key,
		ex:      ex,
		sink:    sink,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		reload:  make(chan struct{}, 1),
		symbols: []string{key.Symbol},
	}
}

// Key returns the stream identity this task serves.
func (t *Task) Key() model.StreamKey { return t.key }

// Start launches the watcher goroutine.
func (t *Task) Start() {
	go t.run()
}

// Stop asks the task to exit; it returns immediately. The current iteration
// observes cancellation and the goroutine exits. Idempotent.
func (t *Task) Stop() {
	t.stopOnce.Do(t.cancel)
}

// Done is closed when the watcher goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Dead reports whether the task gave up on its own (fatal stream error).
func (t *Task) Dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// SetSymbols replaces the active symbol set. The running stream applies the
// change on its next iteration without reopening the transport.
func (t *Task) SetSymbols(symbols []string) {
	t.mu.Lock()
	t.symbols = append([]string(nil), symbols...)
	t.mu.Unlock()
	select {
	case t.reload <- struct{}{}:
	default:
	}
}

func (t *Task) currentSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.symbols...)
}

func (t *Task) run() {
	defer close(t.done)
	backoff := t.cfg.BackoffBase

	for {
		if t.ctx.Err() != nil {
			return
		}
		err := t.watchOnce()
		if t.ctx.Err() != nil {
			return
		}
		if err != nil && exchange.IsFatal(err) {
			t.mu.Lock()
			t.dead = true
			t.mu.Unlock()
			log.Error().
				Str("stream", t.key.String()).
				Err(err).
				Msg("stream task dead")
			t.sink.OnTaskDead(t.key, err)
			return
		}

		// Transient failure or clean remote close: back off and reconnect.
		t.metrics.IncTaskRestart()
		log.Warn().
			Str("stream", t.key.String()).
			Dur("backoff", backoff).
			Err(err).
			Msg("stream interrupted, reconnecting")
		if !t.sleep(backoff) {
			return
		}
		backoff *= 2
		if backoff > t.cfg.BackoffCap {
			backoff = t.cfg.BackoffCap
		}
	}
}

// sleep waits d or until Stop; reports whether the task should keep running.
func (t *Task) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// watchOnce opens the stream and consumes it until failure or Stop.
func (t *Task) watchOnce() error {
	symbols := t.currentSymbols()
	switch t.key.Kind {
	case model.KindTrades:
		s, err := t.ex.WatchTrades(t.ctx, symbols)
		if err != nil {
			return err
		}
		return consume(t, s, func(item model.Trade) {
			t.metrics.IncTrade(item.Exchange, item.Symbol)
			t.sink.OnTrade(item)
		})
	case model.KindOrderBook:
		s, err := t.ex.WatchOrderBook(t.ctx, symbols)
		if err != nil {
			return err
		}
		throttle := newBookThrottle(t, t.cfg.BookCadence)
		defer throttle.close()
		return consume(t, s, throttle.offer)
	case model.KindTicker:
		s, err := t.ex.WatchTicker(t.ctx, symbols)
		if err != nil {
			return err
		}
		return consume(t, s, func(item model.Ticker) {
			t.metrics.IncTicker(item.Exchange, item.Symbol)
			t.sink.OnTicker(item)
		})
	default:
		return exchange.NewError(exchange.ErrNotSupported, t.key.Exchange, "watch",
			nil)
	}
}

// consume pumps items from s into deliver until the stream ends, Stop is
// requested, or a symbol reload fails (forcing a reconnect).
func consume[T any](t *Task, s exchange.Stream[T], deliver func(T)) error {
	defer s.Close()
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-t.reload:
			if err := s.SetSymbols(t.currentSymbols()); err != nil {
				return err
			}
		case item, ok := <-s.C():
			if !ok {
				return s.Err()
			}
			deliver(item)
		}
	}
}

// bookThrottle forwards at most one snapshot per cadence window. The last
// snapshot seen inside a window is held and flushed when the window closes,
// so consumers always converge on the freshest book.
type bookThrottle struct {
	task    *Task
	cadence time.Duration

	mu       sync.Mutex
	lastSent time.Time
	pending  *model.OrderBookSnapshot
	timer    *time.Timer
	closed   bool
}

func newBookThrottle(task *Task, cadence time.Duration) *bookThrottle {
	return &bookThrottle{task: task, cadence: cadence}
}

func (bt *bookThrottle) offer(snap model.OrderBookSnapshot) {
	if bt.cadence <= 0 {
		bt.deliver(snap)
		return
	}
	bt.mu.Lock()
	if bt.closed {
		bt.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(bt.lastSent) >= bt.cadence && bt.pending == nil {
		bt.lastSent = now
		bt.mu.Unlock()
		bt.deliver(snap)
		return
	}
	if bt.pending != nil {
		bt.task.metrics.IncBookDrop()
	}
	bt.pending = &snap
	if bt.timer == nil {
		wait := bt.cadence - now.Sub(bt.lastSent)
		if wait < 0 {
			wait = 0
		}
		bt.timer = time.AfterFunc(wait, bt.flush)
	}
	bt.mu.Unlock()
}

func (bt *bookThrottle) flush() {
	bt.mu.Lock()
	snap := bt.pending
	bt.pending = nil
	bt.timer = nil
	if snap != nil {
		bt.lastSent = time.Now()
	}
	closed := bt.closed
	bt.mu.Unlock()
	if snap != nil && !closed {
		bt.deliver(*snap)
	}
}

func (bt *bookThrottle) deliver(snap model.OrderBookSnapshot) {
	bt.task.metrics.IncBook(snap.Exchange, snap.Symbol)
	bt.task.sink.OnOrderBook(snap)
}

// close drops any held snapshot; called when the stream iteration ends.
func (bt *bookThrottle) close() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.closed = true
	if bt.timer != nil {
		bt.timer.Stop()
		bt.timer = nil
	}
	bt.pending = nil
}
