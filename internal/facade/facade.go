// Package facade is the composition root: it wires the exchange registry,
// cache, fetcher, signal bus, and task manager together and exposes the
// public surface the host embeds.
package facade

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/bus"
	"github.com/marketmux/marketmux/internal/cache"
	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/fetch"
	"github.com/marketmux/marketmux/internal/manager"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/telemetry"
)

// ErrNotStarted is returned by operations that need a running runtime.
var ErrNotStarted = errors.New("facade not started")

// ErrStopped is returned once Stop has run.
var ErrStopped = errors.New("facade stopped")

// Config bundles the tunables of the composed components.
type Config struct {
	Fetch   fetch.Config
	Manager manager.Config
}

// Facade owns one registry, one bus, one manager. Tests build a fresh facade
// per scenario; a process typically holds exactly one.
type Facade struct {
	registry *exchange.Registry
	store    cache.Store
	fetcher  *fetch.Fetcher
	bus      *bus.Bus
	mgr      *manager.Manager
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
}

// New composes a facade over the given registry and cache store.
func New(registry *exchange.Registry, store cache.Store, metrics *telemetry.Metrics, cfg Config) *Facade {
	f := fetch.New(store, metrics, cfg.Fetch)
	b := bus.New(metrics)
	return &Facade{
		registry: registry,
		store:    store,
		fetcher:  f,
		bus:      b,
		mgr:      manager.New(registry, f, b, metrics, cfg.Manager),
		metrics:  metrics,
	}
}

// Start launches the async runtime. Idempotent until Stop.
func (f *Facade) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrStopped
	}
	if f.started {
		return nil
	}
	f.started = true
	f.mgr.Start()
	log.Info().Msg("market data core started")
	return nil
}

// Subscribe pins the streams the requirement needs for the subscriber.
func (f *Facade) Subscribe(subscriber string, req model.StreamKey) error {
	f.mu.Lock()
	started, stopped := f.started, f.stopped
	f.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}
	return f.mgr.Subscribe(subscriber, req)
}

// Unsubscribe releases requirements, or everything the subscriber holds when
// none are given.
func (f *Facade) Unsubscribe(subscriber string, reqs ...model.StreamKey) {
	f.mgr.Unsubscribe(subscriber, reqs...)
}

// FetchCandlesOnce performs a one-shot historical fetch through the cache.
// Usable before Start; only the live path needs the runtime.
func (f *Facade) FetchCandlesOnce(ctx context.Context, exchangeID, symbol string, tf model.Timeframe, sinceMillis int64) (model.CandleSeries, error) {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	ex, err := f.registry.Get(exchangeID)
	if err != nil {
		return nil, err
	}
	key := cache.Key{Exchange: exchangeID, Symbol: symbol, Timeframe: tf}
	return f.fetcher.Fetch(ctx, ex, key, sinceMillis)
}

// RegisterSignal subscribes a callback to one signal type. The callback runs
// on the goroutine that calls Drain.
func (f *Facade) RegisterSignal(t bus.Type, fn bus.Handler) bus.Handle {
	return f.bus.Subscribe(t, fn)
}

// UnregisterSignal removes a signal registration.
func (f *Facade) UnregisterSignal(h bus.Handle) {
	f.bus.Unsubscribe(h)
}

// Drain dispatches pending signals on the calling goroutine. The host calls
// this from its consumer loop (UI frame or ticker).
func (f *Facade) Drain() int {
	return f.bus.Drain()
}

// Bus exposes the signal bus for components that attach directly, like the
// Redis bridge.
func (f *Facade) Bus() *bus.Bus {
	return f.bus
}

// Qsize returns the pending intake queue length plus undrained signals.
func (f *Facade) Qsize() int {
	return f.mgr.Qsize() + f.bus.Qsize()
}

// LiveTasks returns the number of running stream tasks.
func (f *Facade) LiveTasks() int {
	return f.mgr.LiveTasks()
}

// Stop shuts the runtime down: stops every task within the grace period,
// flushes the intake queue, drains the bus once, and closes all exchanges.
// Idempotent.
func (f *Facade) Stop(timeout time.Duration) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.mgr.Stop(timeout)
	f.bus.Drain()
	err := f.registry.Close()
	log.Info().Msg("market data core stopped")
	return err
}
