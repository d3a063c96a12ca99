// Package telemetry owns the Prometheus registry and the HTTP surface
// (/metrics, /health) for the market data core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the core updates. A nil *Metrics is
// valid everywhere and turns instrumentation off, so unit tests do not have
// to build a registry.
type Metrics struct {
	registry *prometheus.Registry

	TradesTotal      *prometheus.CounterVec // labels: exchange, symbol
	BooksTotal       *prometheus.CounterVec
	TickersTotal     *prometheus.CounterVec
	CandleUpdates    *prometheus.CounterVec // labels: exchange, symbol, timeframe
	BookDropsTotal   prometheus.Counter     // throttle + backpressure drops
	ParseDropsTotal  prometheus.Counter
	TaskErrorsTotal  *prometheus.CounterVec // labels: kind
	TaskRestarts     prometheus.Counter
	FetchPagesTotal  *prometheus.CounterVec // labels: exchange
	FetchRetries     prometheus.Counter
	FetchPageSeconds prometheus.Histogram

	QueueSize     prometheus.Gauge
	LiveTasks     prometheus.Gauge
	LiveFactories prometheus.Gauge
	BusQueueSize  prometheus.Gauge
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmux_trades_total",
			Help: "Trades received from exchange streams",
		}, []string{"exchange", "symbol"}),
		BooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmux_orderbooks_total",
			Help: "Order book snapshots received",
		}, []string{"exchange", "symbol"}),
		TickersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmux_tickers_total",
			Help: "Tickers received",
		}, []string{"exchange", "symbol"}),
		CandleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmux_candle_updates_total",
			Help: "Live candle updates emitted by factories",
		}, []string{"exchange", "symbol", "timeframe"}),
		BookDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmux_orderbook_drops_total",
			Help: "Order book snapshots dropped by throttling or backpressure",
		}),
		ParseDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmux_parse_drops_total",
			Help: "Stream items dropped as malformed",
		}),
		TaskErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmux_task_errors_total",
			Help: "TASK_ERROR signals emitted",
		}, []string{"kind"}),
		TaskRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmux_task_restarts_total",
			Help: "Streamer reconnect attempts after transient failures",
		}),
		FetchPagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmux_fetch_pages_total",
			Help: "OHLCV pages fetched",
		}, []string{"exchange"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmux_fetch_retries_total",
			Help: "OHLCV page fetch retries",
		}),
		FetchPageSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketmux_fetch_page_seconds",
			Help:    "OHLCV page fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketmux_queue_size",
			Help: "Items waiting in the stream intake queue",
		}),
		LiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketmux_live_tasks",
			Help: "Running streamer tasks",
		}),
		LiveFactories: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketmux_live_factories",
			Help: "Alive candle factories",
		}),
		BusQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketmux_bus_queue_size",
			Help: "Signals waiting for the consumer drain",
		}),
	}
	reg.MustRegister(
		m.TradesTotal, m.BooksTotal, m.TickersTotal, m.CandleUpdates,
		m.BookDropsTotal, m.ParseDropsTotal, m.TaskErrorsTotal, m.TaskRestarts,
		m.FetchPagesTotal, m.FetchRetries, m.FetchPageSeconds,
		m.QueueSize, m.LiveTasks, m.LiveFactories, m.BusQueueSize,
	)
	return m
}

// Registry exposes the registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// nil-safe helpers used from hot paths

func (m *Metrics) IncTrade(exchange, symbol string) {
	if m != nil {
		m.TradesTotal.WithLabelValues(exchange, symbol).Inc()
	}
}

func (m *Metrics) IncBook(exchange, symbol string) {
	if m != nil {
		m.BooksTotal.WithLabelValues(exchange, symbol).Inc()
	}
}

func (m *Metrics) IncTicker(exchange, symbol string) {
	if m != nil {
		m.TickersTotal.WithLabelValues(exchange, symbol).Inc()
	}
}

func (m *Metrics) IncCandleUpdate(exchange, symbol, timeframe string) {
	if m != nil {
		m.CandleUpdates.WithLabelValues(exchange, symbol, timeframe).Inc()
	}
}

func (m *Metrics) IncBookDrop() {
	if m != nil {
		m.BookDropsTotal.Inc()
	}
}

func (m *Metrics) IncParseDrop() {
	if m != nil {
		m.ParseDropsTotal.Inc()
	}
}

func (m *Metrics) IncTaskError(kind string) {
	if m != nil {
		m.TaskErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncTaskRestart() {
	if m != nil {
		m.TaskRestarts.Inc()
	}
}

func (m *Metrics) IncFetchPage(exchange string, seconds float64) {
	if m != nil {
		m.FetchPagesTotal.WithLabelValues(exchange).Inc()
		m.FetchPageSeconds.Observe(seconds)
	}
}

func (m *Metrics) IncFetchRetry() {
	if m != nil {
		m.FetchRetries.Inc()
	}
}

func (m *Metrics) SetQueueSize(n int) {
	if m != nil {
		m.QueueSize.Set(float64(n))
	}
}

func (m *Metrics) SetLiveTasks(n int) {
	if m != nil {
		m.LiveTasks.Set(float64(n))
	}
}

func (m *Metrics) SetLiveFactories(n int) {
	if m != nil {
		m.LiveFactories.Set(float64(n))
	}
}

func (m *Metrics) SetBusQueueSize(n int) {
	if m != nil {
		m.BusQueueSize.Set(float64(n))
	}
}
