// Package candle turns a live trade feed into OHLCV bars for one
// (exchange, symbol, timeframe). A factory is seeded once from history and
// then updated trade by trade; every accepted trade re-emits the bar it
// landed in.
package candle

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/telemetry"
)

// Update carries one changed bar. The bar may be a revision of an already
// emitted bar (same timestamp, new values) or the first emission of a new
// window; consumers key on TimestampSeconds.
type Update struct {
	Exchange  string
	Symbol    string
	Timeframe model.Timeframe
	Bar       model.Candle
}

// Factory aggregates trades into candles for a single market and timeframe.
// OnTrade is called from the stream intake goroutine; the emit callback runs
// inline on that goroutine and must not block.
type Factory struct {
	exchange  string
	symbol    string
	timeframe model.Timeframe
	emit      func(Update)
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	current  model.Candle
	hasBar   bool
	seeded   bool
	degraded bool
	closed   bool
}

// New builds a factory. emit must be non-nil.
func New(exchange, symbol string, tf model.Timeframe, metrics *telemetry.Metrics, emit func(Update)) *Factory {
	return &Factory{
		exchange:  exchange,
		symbol:    symbol,
		timeframe: tf,
		emit:      emit,
		metrics:   metrics,
	}
}

func (f *Factory) Exchange() string           { return f.exchange }
func (f *Factory) Symbol() string             { return f.symbol }
func (f *Factory) Timeframe() model.Timeframe { return f.timeframe }

// Seed installs the historical series the live bars continue from. It
// normalizes timestamps (values that look like milliseconds are converted to
// seconds), drops invalid bars, sorts, and de-duplicates keeping the first
// occurrence. Seed is one-shot; repeat calls are ignored. The cleaned series
// is returned so the caller can publish it as the initial snapshot.
func (f *Factory) Seed(series model.CandleSeries) model.CandleSeries {
	cleaned := normalize(series, f.timeframe)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seeded || f.closed {
		return cleaned
	}
	f.seeded = true
	if last, ok := cleaned.Last(); ok {
		// Trades may have arrived while the seed fetch was in flight; never
		// roll the live bar back to an older seeded one.
		if !f.hasBar || last.TimestampSeconds >= f.current.TimestampSeconds {
			f.current = last
			f.hasBar = true
		}
	}
	return cleaned
}

// MarkDegraded records that seeding failed: the factory keeps aggregating
// live trades but its history is incomplete.
func (f *Factory) MarkDegraded() {
	f.mu.Lock()
	f.degraded = true
	f.seeded = true
	f.mu.Unlock()
	log.Warn().
		Str("exchange", f.exchange).
		Str("symbol", f.symbol).
		Str("timeframe", string(f.timeframe)).
		Msg("candle factory running without seed, history degraded")
}

// Degraded reports whether the factory runs without a complete seed.
func (f *Factory) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// OnTrade folds one trade into the current bar. Trades older than the bar in
// progress are discarded; a trade past the current window opens a new bar.
// Each accepted trade emits exactly one Update.
func (f *Factory) OnTrade(t model.Trade) {
	if !t.Valid() || math.IsNaN(t.Price) || math.IsNaN(t.Amount) {
		f.metrics.IncParseDrop()
		return
	}
	barStart := f.timeframe.Align(t.TimestampMillis / 1000)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	switch {
	case f.hasBar && barStart < f.current.TimestampSeconds:
		current := f.current.TimestampSeconds
		f.mu.Unlock()
		log.Debug().
			Str("exchange", f.exchange).
			Str("symbol", f.symbol).
			Int64("bar", barStart).
			Int64("current", current).
			Msg("dropping out-of-order trade")
		return
	case f.hasBar && barStart == f.current.TimestampSeconds:
		f.current.High = math.Max(f.current.High, t.Price)
		f.current.Low = math.Min(f.current.Low, t.Price)
		f.current.Close = t.Price
		f.current.Volume += t.Amount
	default:
		f.current = model.Candle{
			TimestampSeconds: barStart,
			Open:             t.Price,
			High:             t.Price,
			Low:              t.Price,
			Close:            t.Price,
			Volume:           t.Amount,
		}
		f.hasBar = true
	}
	// Hold emissions until the seed outcome is known so the initial snapshot
	// always reaches consumers before the first live update.
	if !f.seeded {
		f.mu.Unlock()
		return
	}
	upd := Update{
		Exchange:  f.exchange,
		Symbol:    f.symbol,
		Timeframe: f.timeframe,
		Bar:       f.current,
	}
	f.mu.Unlock()

	f.metrics.IncCandleUpdate(f.exchange, f.symbol, string(f.timeframe))
	f.emit(upd)
}

// Current returns the bar in progress, if any.
func (f *Factory) Current() (model.Candle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.hasBar
}

// Close stops the factory; later trades are ignored. Idempotent.
func (f *Factory) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// millisCutoff: a timestamp this large cannot be seconds (year ~5138); treat
// it as milliseconds.
const millisCutoff = int64(100_000_000_000)

func normalize(series model.CandleSeries, tf model.Timeframe) model.CandleSeries {
	out := make(model.CandleSeries, 0, len(series))
	for _, c := range series {
		if c.TimestampSeconds >= millisCutoff {
			c.TimestampSeconds /= 1000
		}
		if !c.Valid() {
			continue
		}
		c.TimestampSeconds = tf.Align(c.TimestampSeconds)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampSeconds < out[j].TimestampSeconds
	})
	// de-duplicate keeping the first occurrence per timestamp
	dedup := out[:0]
	for _, c := range out {
		if n := len(dedup); n > 0 && dedup[n-1].TimestampSeconds == c.TimestampSeconds {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}
