// Package manager owns the live resource lifecycle: reference-counted
// stream tasks and candle factories, the intake queue between the stream
// goroutines and the router, and the routing of every item to factories and
// the signal bus.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/bus"
	"github.com/marketmux/marketmux/internal/cache"
	"github.com/marketmux/marketmux/internal/candle"
	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/fetch"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/stream"
	"github.com/marketmux/marketmux/internal/telemetry"
)

// ErrStopped is returned by Subscribe after Stop.
var ErrStopped = errors.New("manager stopped")

// ErrBackpressure tags TASK_ERROR signals emitted when the intake queue
// crosses its high-water mark.
var ErrBackpressure = errors.New("intake queue over high-water mark")

// Config tunes the manager. Zero values take defaults.
type Config struct {
	SeedBars      int           // bars fetched to seed a candle factory
	HighWaterMark int           // intake queue backpressure threshold
	ShutdownGrace time.Duration // per-stop wait for task exit
	Stream        stream.Config
}

func (c Config) withDefaults() Config {
	if c.SeedBars <= 0 {
		c.SeedBars = 1000
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = 10_000
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	return c
}

// Manager implements ref-counted subscribe/unsubscribe over stream keys and
// routes every received item. It is the only writer of the task and factory
// maps; one mutex guards all of them.
type Manager struct {
	registry *exchange.Registry
	fetcher  *fetch.Fetcher
	bus      *bus.Bus
	metrics  *telemetry.Metrics
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	queue      *intakeQueue
	routerDone chan struct{}

	mu            sync.Mutex
	refCount      map[model.StreamKey]int
	tasks         map[model.StreamKey]*stream.Task
	factories     map[model.StreamKey]*candle.Factory
	subKeys       map[string]map[model.StreamKey]struct{}
	dead          map[model.StreamKey]bool
	backpressured bool
	started       bool
	stopped       bool

	seedWG sync.WaitGroup
}

// New builds a Manager. Call Start before subscribing.
func New(registry *exchange.Registry, fetcher *fetch.Fetcher, b *bus.Bus, metrics *telemetry.Metrics, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:   registry,
		fetcher:    fetcher,
		bus:        b,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		queue:      newIntakeQueue(),
		routerDone: make(chan struct{}),
		refCount:   make(map[model.StreamKey]int),
		tasks:      make(map[model.StreamKey]*stream.Task),
		factories:  make(map[model.StreamKey]*candle.Factory),
		subKeys:    make(map[string]map[model.StreamKey]struct{}),
		dead:       make(map[model.StreamKey]bool),
	}
}

// Start launches the router goroutine. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.router()
}

// requiredKeys expands a requirement into the keys it pins: the requirement
// itself plus its upstream dependencies (candles pin the market's trades).
func requiredKeys(req model.StreamKey) []model.StreamKey {
	return append([]model.StreamKey{req}, req.Dependencies()...)
}

// Subscribe pins every key the requirement needs for the given subscriber.
// The first holder of a key creates its resource; duplicates for the same
// subscriber are no-ops and do not bump ref counts.
func (m *Manager) Subscribe(subscriber string, req model.StreamKey) error {
	keys := requiredKeys(req)
	for _, k := range keys {
		if k.Kind == model.KindCandles && !k.Timeframe.Valid() {
			return fmt.Errorf("subscribe %s: unknown timeframe %q", k.String(), k.Timeframe)
		}
	}
	ex, err := m.registry.Get(req.Exchange)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", req.String(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}

	set := m.subKeys[subscriber]
	if set == nil {
		set = make(map[model.StreamKey]struct{})
		m.subKeys[subscriber] = set
	}

	for _, k := range keys {
		_, held := set[k]
		if held && !m.dead[k] {
			continue
		}
		if !held {
			set[k] = struct{}{}
			m.refCount[k]++
		}
		if m.refCount[k] == 1 || m.dead[k] {
			delete(m.dead, k)
			m.createResourceLocked(ex, k, subscriber)
		}
	}
	return nil
}

// createResourceLocked launches the task or factory for a key that just
// became live. Caller holds m.mu.
func (m *Manager) createResourceLocked(ex exchange.Capability, k model.StreamKey, subscriber string) {
	if k.IsStream() {
		t := stream.NewTask(k, ex, (*queueSink)(m), m.metrics, m.cfg.Stream)
		m.tasks[k] = t
		t.Start()
		m.metrics.SetLiveTasks(len(m.tasks))
		log.Info().Str("stream", k.String()).Msg("stream task started")
		return
	}

	f := candle.New(k.Exchange, k.Symbol, k.Timeframe, m.metrics, func(u candle.Update) {
		m.bus.Publish(bus.Signal{Type: bus.UpdatedCandle, Payload: bus.CandleUpdatePayload{
			Exchange:  u.Exchange,
			Symbol:    u.Symbol,
			Timeframe: u.Timeframe,
			Bar:       u.Bar,
		}})
	})
	m.factories[k] = f
	m.metrics.SetLiveFactories(len(m.factories))
	log.Info().Str("stream", k.String()).Msg("candle factory created")

	m.seedWG.Add(1)
	go m.seedFactory(ex, k, subscriber)
}

// seedFactory runs the background historical fetch for a new factory and
// hands the outcome to the router, which applies the seed on the same
// goroutine that routes trades. That serialization is what guarantees
// INITIAL_CANDLES precedes every UPDATED_CANDLE for the subscription.
func (m *Manager) seedFactory(ex exchange.Capability, k model.StreamKey, subscriber string) {
	defer m.seedWG.Done()
	key := cache.Key{Exchange: k.Exchange, Symbol: k.Symbol, Timeframe: k.Timeframe}
	series, err := m.fetcher.FetchRecent(m.ctx, ex, key, m.cfg.SeedBars)
	m.queue.push(item{
		kind:       itemSeed,
		key:        k,
		subscriber: subscriber,
		series:     series,
		err:        err,
	})
}

// Unsubscribe releases the given requirements for subscriber, or everything
// the subscriber holds when no requirement is passed. Keys dropping to zero
// holders have their task stopped (awaited up to the shutdown grace) and
// their factory closed.
func (m *Manager) Unsubscribe(subscriber string, reqs ...model.StreamKey) {
	m.mu.Lock()
	set := m.subKeys[subscriber]
	if set == nil {
		m.mu.Unlock()
		return
	}

	var keys []model.StreamKey
	if len(reqs) == 0 {
		for k := range set {
			keys = append(keys, k)
		}
	} else {
		for _, req := range reqs {
			for _, k := range requiredKeys(req) {
				if _, ok := set[k]; ok {
					keys = append(keys, k)
				}
			}
		}
	}

	var stopping []*stream.Task
	for _, k := range keys {
		if _, ok := set[k]; !ok {
			continue
		}
		delete(set, k)
		m.refCount[k]--
		if m.refCount[k] > 0 {
			continue
		}
		delete(m.refCount, k)
		delete(m.dead, k)
		if k.IsStream() {
			if t := m.tasks[k]; t != nil {
				delete(m.tasks, k)
				stopping = append(stopping, t)
			}
		} else if f := m.factories[k]; f != nil {
			delete(m.factories, k)
			f.Close()
			log.Info().Str("stream", k.String()).Msg("candle factory closed")
		}
	}
	if len(set) == 0 {
		delete(m.subKeys, subscriber)
	}
	m.metrics.SetLiveTasks(len(m.tasks))
	m.metrics.SetLiveFactories(len(m.factories))
	m.mu.Unlock()

	m.awaitTasks(stopping, m.cfg.ShutdownGrace)
}

// awaitTasks stops the given tasks and waits for them under one shared
// deadline.
func (m *Manager) awaitTasks(tasks []*stream.Task, grace time.Duration) {
	if len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		t.Stop()
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-deadline.C:
			log.Warn().Str("stream", t.Key().String()).Msg("stream task did not exit within grace period")
			return
		}
	}
}

// Qsize returns the number of items waiting for the router.
func (m *Manager) Qsize() int { return m.queue.len() }

// LiveTasks returns the number of running stream tasks.
func (m *Manager) LiveTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// FactoryCount returns the number of alive candle factories.
func (m *Manager) FactoryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.factories)
}

// RefCount returns the current holder count for a key.
func (m *Manager) RefCount(k model.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCount[k]
}

// Stop tears everything down: cancels seed fetches, stops every task, closes
// every factory, then closes the queue and waits for the router to flush.
// Safe to call more than once.
func (m *Manager) Stop(grace time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	tasks := make([]*stream.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	factories := make([]*candle.Factory, 0, len(m.factories))
	for _, f := range m.factories {
		factories = append(factories, f)
	}
	m.tasks = make(map[model.StreamKey]*stream.Task)
	m.factories = make(map[model.StreamKey]*candle.Factory)
	m.refCount = make(map[model.StreamKey]int)
	m.subKeys = make(map[string]map[model.StreamKey]struct{})
	m.mu.Unlock()

	if grace <= 0 {
		grace = m.cfg.ShutdownGrace
	}
	m.cancel()
	m.awaitTasks(tasks, grace)
	for _, f := range factories {
		f.Close()
	}
	m.seedWG.Wait()

	m.queue.close()
	if started {
		<-m.routerDone
	}
	m.metrics.SetLiveTasks(0)
	m.metrics.SetLiveFactories(0)
}

// router consumes the intake queue until it is closed and empty.
func (m *Manager) router() {
	defer close(m.routerDone)
	for {
		it, ok := m.queue.pop()
		if !ok {
			return
		}
		m.route(it)
		m.metrics.SetQueueSize(m.queue.len())
	}
}

func (m *Manager) route(it item) {
	switch it.kind {
	case itemTrade:
		m.routeTrade(it.trade)
	case itemBook:
		m.bus.Publish(bus.Signal{Type: bus.OrderBookUpdate, Payload: it.book})
	case itemTicker:
		m.bus.Publish(bus.Signal{Type: bus.NewTicker, Payload: it.ticker})
	case itemDead:
		m.routeDead(it.key, it.err)
	case itemSeed:
		m.routeSeed(it)
	}
}

func (m *Manager) routeTrade(t model.Trade) {
	m.mu.Lock()
	targets := make([]*candle.Factory, 0, 2)
	for k, f := range m.factories {
		if k.Exchange == t.Exchange && k.Symbol == t.Symbol {
			targets = append(targets, f)
		}
	}
	m.mu.Unlock()

	for _, f := range targets {
		f.OnTrade(t)
	}
	m.bus.Publish(bus.Signal{Type: bus.NewTrade, Payload: t})
}

func (m *Manager) routeDead(k model.StreamKey, err error) {
	m.mu.Lock()
	if _, ok := m.refCount[k]; ok {
		m.dead[k] = true
	}
	delete(m.tasks, k)
	m.metrics.SetLiveTasks(len(m.tasks))
	m.mu.Unlock()

	m.metrics.IncTaskError("fatal")
	m.bus.Publish(bus.Signal{Type: bus.TaskError, Payload: bus.TaskErrorPayload{
		Key:   k,
		Fatal: true,
		Err:   err,
	}})
}

func (m *Manager) routeSeed(it item) {
	m.mu.Lock()
	f := m.factories[it.key]
	m.mu.Unlock()
	if f == nil {
		// unsubscribed while the fetch was in flight
		return
	}

	degraded := it.err != nil
	if degraded {
		m.metrics.IncTaskError("seed")
		m.bus.Publish(bus.Signal{Type: bus.TaskError, Payload: bus.TaskErrorPayload{
			Key:   it.key,
			Fatal: false,
			Err:   it.err,
		}})
	}

	// A failed fetch may still have returned cached bars; seed with whatever
	// we got and flag the snapshot so consumers know history is incomplete.
	cleaned := f.Seed(it.series)
	if degraded {
		f.MarkDegraded()
	}
	m.bus.Publish(bus.Signal{Type: bus.InitialCandles, Payload: bus.InitialCandlesPayload{
		Exchange:   it.key.Exchange,
		Symbol:     it.key.Symbol,
		Timeframe:  it.key.Timeframe,
		Candles:    cleaned,
		Subscriber: it.subscriber,
		Degraded:   degraded,
	}})
}

// queueSink adapts the manager's intake queue to the stream.Sink contract.
// Order book snapshots past the high-water mark are dropped; trades and
// tickers are never dropped silently, but crossing the mark surfaces a
// backpressure TASK_ERROR.
type queueSink Manager

func (s *queueSink) manager() *Manager { return (*Manager)(s) }

func (s *queueSink) OnTrade(t model.Trade) {
	m := s.manager()
	m.queue.push(item{kind: itemTrade, trade: t})
	m.checkBackpressure()
}

func (s *queueSink) OnOrderBook(b model.OrderBookSnapshot) {
	m := s.manager()
	if m.queue.len() >= m.cfg.HighWaterMark {
		m.metrics.IncBookDrop()
		return
	}
	m.queue.push(item{kind: itemBook, book: b})
}

func (s *queueSink) OnTicker(t model.Ticker) {
	m := s.manager()
	m.queue.push(item{kind: itemTicker, ticker: t})
	m.checkBackpressure()
}

func (s *queueSink) OnTaskDead(key model.StreamKey, err error) {
	s.manager().queue.push(item{kind: itemDead, key: key, err: err})
}

// checkBackpressure emits one TASK_ERROR per high-water crossing.
func (m *Manager) checkBackpressure() {
	n := m.queue.len()
	m.metrics.SetQueueSize(n)

	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= m.cfg.HighWaterMark && !m.backpressured {
		m.backpressured = true
		m.metrics.IncTaskError("backpressure")
		m.bus.Publish(bus.Signal{Type: bus.TaskError, Payload: bus.TaskErrorPayload{
			Fatal: false,
			Err:   fmt.Errorf("%w: %d items queued", ErrBackpressure, n),
		}})
	} else if n < m.cfg.HighWaterMark/2 {
		m.backpressured = false
	}
}
