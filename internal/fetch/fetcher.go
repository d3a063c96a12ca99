// Package fetch implements historical OHLCV retrieval: page through an
// exchange's REST history, reconcile with the local cache, and hand back a
// contiguous series. All waiting (retry backoff, rate-limit sleeps) happens
// outside the per-exchange concurrency slots so a throttled fetch never
// starves other symbols.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/cache"
	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/telemetry"
)

const (
	defaultMaxRetries    = 3
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffCap    = 30 * time.Second
	defaultRateSleepCap  = 60 * time.Second
	defaultPageLimit     = 300
	defaultExchangeSlots = 5
	defaultSeedBars      = 1000
)

// Config tunes the fetcher. Zero values take the defaults above.
type Config struct {
	MaxRetries    int           // retries per page before giving up
	BackoffBase   time.Duration // transient-error backoff base, doubled per attempt
	BackoffCap    time.Duration
	RateSleepCap  time.Duration // ceiling for rate-limit sleeps
	PageLimit     int           // candles requested per page
	ExchangeSlots int           // concurrent in-flight pages per exchange
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.RateSleepCap <= 0 {
		c.RateSleepCap = defaultRateSleepCap
	}
	if c.PageLimit <= 0 {
		c.PageLimit = defaultPageLimit
	}
	if c.ExchangeSlots <= 0 {
		c.ExchangeSlots = defaultExchangeSlots
	}
	return c
}

// Fetcher pages candle history from exchanges into the cache.
// Safe for concurrent use; concurrent fetches for the same cache key
// serialize on the store's per-key lock.
type Fetcher struct {
	store   cache.Store
	metrics *telemetry.Metrics
	cfg     Config

	sems sync.Map // exchange id -> chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Fetcher on top of a cache store.
func New(store cache.Store, metrics *telemetry.Metrics, cfg Config) *Fetcher {
	return &Fetcher{
		store:   store,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slot returns the exchange's admission channel, creating it on first use.
func (f *Fetcher) slot(exchangeID string) chan struct{} {
	if v, ok := f.sems.Load(exchangeID); ok {
		return v.(chan struct{})
	}
	v, _ := f.sems.LoadOrStore(exchangeID, make(chan struct{}, f.cfg.ExchangeSlots))
	return v.(chan struct{})
}

// Fetch returns all candles for key with timestamp >= sinceMillis, combining
// the cache with whatever the exchange still has. The whole operation holds
// the key's cache lock. The cache is rewritten only after a phase completes,
// so a failure mid-fetch returns a partial but consistent series and leaves
// the previous cache intact. Cancellation discards partial results.
func (f *Fetcher) Fetch(ctx context.Context, ex exchange.Capability, key cache.Key, sinceMillis int64) (model.CandleSeries, error) {
	if !key.Timeframe.Valid() {
		return nil, fmt.Errorf("fetch %s: unknown timeframe %q", key.BaseName(), key.Timeframe)
	}

	unlock, err := f.store.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock.Unlock()

	cached, err := f.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	tfMillis := key.Timeframe.Seconds() * 1000
	var fetched model.CandleSeries
	var fetchErr error

	// Prepend: fill the gap between since and the oldest cached bar. A
	// partial prepend is discarded: persisting it would detach a head from
	// the cached range, and later fetches only look below the oldest bar.
	if first, ok := cached.First(); ok && sinceMillis < first.TimestampSeconds*1000 {
		rows, err := f.fetchPhase(ctx, ex, key, sinceMillis, func(pageTail int64) bool {
			return pageTail*1000+tfMillis >= first.TimestampSeconds*1000
		})
		if err != nil {
			fetchErr = err
		} else {
			fetched = fetched.Merge(rows)
		}
	}

	// Append: continue from the newest known bar, or from since when cold.
	if fetchErr == nil {
		cursor := sinceMillis
		if last, ok := cached.Last(); ok {
			cursor = last.TimestampSeconds*1000 + tfMillis
		}
		rows, err := f.fetchPhase(ctx, ex, key, cursor, nil)
		fetched = fetched.Merge(rows)
		if err != nil {
			fetchErr = err
		}
	}

	if ctx.Err() != nil {
		// Cancelled: do not touch the cache.
		return nil, ctx.Err()
	}

	merged := cached.Merge(fetched)
	if len(fetched) > 0 {
		meta := cache.MetadataFor(key, f.now().UnixMilli())
		if err := f.store.Save(ctx, key, merged, meta); err != nil {
			return nil, fmt.Errorf("save cache %s: %w", key.BaseName(), err)
		}
	}

	return merged.TrimSince(sinceMillis / 1000), fetchErr
}

// FetchRecent fetches the most recent barCount candles, used to seed live
// candle factories.
func (f *Fetcher) FetchRecent(ctx context.Context, ex exchange.Capability, key cache.Key, barCount int) (model.CandleSeries, error) {
	if barCount <= 0 {
		barCount = defaultSeedBars
	}
	since := f.now().UnixMilli() - int64(barCount)*key.Timeframe.Seconds()*1000
	return f.Fetch(ctx, ex, key, since)
}

// fetchPhase pages forward from cursor until the exchange returns an empty
// page, done(tail) reports the phase target reached, or the page tail stops
// advancing (a paginator that loops would otherwise never terminate).
func (f *Fetcher) fetchPhase(ctx context.Context, ex exchange.Capability, key cache.Key, cursor int64, done func(pageTail int64) bool) (model.CandleSeries, error) {
	tfMillis := key.Timeframe.Seconds() * 1000
	var out model.CandleSeries
	prevTail := int64(0)
	hasPrevTail := false

	for {
		page, err := f.fetchPage(ctx, ex, key, cursor)
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			return out, nil
		}
		tail, _ := page.Last()
		if hasPrevTail && tail.TimestampSeconds <= prevTail {
			log.Warn().
				Str("exchange", key.Exchange).
				Str("symbol", key.Symbol).
				Str("timeframe", string(key.Timeframe)).
				Int64("tail", tail.TimestampSeconds).
				Msg("candle page did not advance, aborting pagination")
			return out, nil
		}
		prevTail, hasPrevTail = tail.TimestampSeconds, true

		out = out.Merge(page)
		if done != nil && done(tail.TimestampSeconds) {
			return out, nil
		}
		cursor = tail.TimestampSeconds*1000 + tfMillis
	}
}

// fetchPage requests one page, retrying transient and rate-limit failures.
// The exchange slot is held only across the network call itself; every sleep
// happens with the slot released.
func (f *Fetcher) fetchPage(ctx context.Context, ex exchange.Capability, key cache.Key, sinceMillis int64) (model.CandleSeries, error) {
	slot := f.slot(key.Exchange)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			f.metrics.IncFetchRetry()
			if err := f.sleep(ctx, f.retryDelay(ex, lastErr, attempt)); err != nil {
				return nil, err
			}
		}

		select {
		case slot <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		start := f.now()
		page, err := ex.FetchOHLCVPage(ctx, key.Symbol, key.Timeframe, sinceMillis, f.cfg.PageLimit)
		<-slot

		if err == nil {
			f.metrics.IncFetchPage(key.Exchange, f.now().Sub(start).Seconds())
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exchange.IsFatal(err) {
			return nil, err
		}
		lastErr = err
		log.Debug().
			Str("exchange", key.Exchange).
			Str("symbol", key.Symbol).
			Int("attempt", attempt+1).
			Err(err).
			Msg("candle page fetch failed")
	}
	return nil, fmt.Errorf("fetch page %s since=%d: retries exhausted: %w", key.BaseName(), sinceMillis, lastErr)
}

// retryDelay picks the sleep before the given attempt (1-based). Rate-limit
// errors honor the server hint when present, otherwise back off from the
// exchange's advertised request interval; transient errors use plain
// exponential backoff.
func (f *Fetcher) retryDelay(ex exchange.Capability, err error, attempt int) time.Duration {
	if hint, ok := exchange.IsRateLimited(err); ok {
		if hint > 0 {
			return minDuration(hint, f.cfg.RateSleepCap)
		}
		base := time.Duration(ex.RateLimitMillis()) * time.Millisecond
		if base <= 0 {
			base = f.cfg.BackoffBase
		}
		return minDuration(base<<(attempt-1), f.cfg.RateSleepCap)
	}
	return minDuration(f.cfg.BackoffBase<<(attempt-1), f.cfg.BackoffCap)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
