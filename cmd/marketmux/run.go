package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketmux/marketmux/internal/bridge"
	"github.com/marketmux/marketmux/internal/bus"
	"github.com/marketmux/marketmux/internal/cache"
	"github.com/marketmux/marketmux/internal/config"
	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/exchange/coinbase"
	"github.com/marketmux/marketmux/internal/exchange/kraken"
	"github.com/marketmux/marketmux/internal/facade"
	"github.com/marketmux/marketmux/internal/fetch"
	"github.com/marketmux/marketmux/internal/manager"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/stream"
	"github.com/marketmux/marketmux/internal/telemetry"
)

// drainInterval is the headless consumer tick.
const drainInterval = 50 * time.Millisecond

func newRunCmd() *cobra.Command {
	var subs []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCore(subs)
		},
	}
	cmd.Flags().StringSliceVar(&subs, "subscribe", nil,
		"initial subscriptions, e.g. trades:coinbase:BTC/USD or candles:kraken:ETH/USD:1m")
	return cmd
}

func runCore(subs []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagLogLevel == "" && cfg.LogLevel != "" {
		if err := setupLogging(cfg.LogLevel); err != nil {
			return err
		}
	}
	if len(flagExchanges) > 0 {
		cfg.Exchanges = flagExchanges
	}

	metrics := telemetry.New()
	registry := buildRegistry(cfg.Exchanges)

	store, closeStore, err := buildStore(cfg.Cache)
	if err != nil {
		return err
	}
	defer closeStore()

	core := facade.New(registry, store, metrics, facade.Config{
		Fetch: fetch.Config{
			MaxRetries:    cfg.Fetch.MaxRetries,
			BackoffBase:   config.Millis(cfg.Fetch.BackoffBaseMillis),
			BackoffCap:    config.Millis(cfg.Fetch.BackoffCapMillis),
			RateSleepCap:  config.Millis(cfg.Fetch.RateSleepCapMillis),
			PageLimit:     cfg.Fetch.PageLimit,
			ExchangeSlots: cfg.Fetch.ExchangeSlots,
		},
		Manager: manager.Config{
			SeedBars:      cfg.Manager.SeedBars,
			HighWaterMark: cfg.Manager.HighWaterMark,
			ShutdownGrace: config.Millis(cfg.Manager.ShutdownGraceMillis),
			Stream: stream.Config{
				BackoffBase: config.Millis(cfg.Stream.BackoffBaseMillis),
				BackoffCap:  config.Millis(cfg.Stream.BackoffCapMillis),
				BookCadence: config.Millis(cfg.Stream.BookCadenceMillis),
			},
		},
	})

	if err := core.Start(); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		srv := telemetry.NewServer(cfg.Telemetry.Addr, metrics, func() telemetry.Status {
			return telemetry.Status{
				Healthy:   true,
				QueueSize: core.Qsize(),
				LiveTasks: core.LiveTasks(),
			}
		})
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	if cfg.Bridge.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		br, err := bridge.Dial(ctx, cfg.Bridge.Addr, cfg.Bridge.DB)
		cancel()
		if err != nil {
			return err
		}
		br.Attach(core.Bus())
		defer br.Close()
	}

	logTaskErrors(core)
	for _, spec := range subs {
		key, err := parseStreamKey(spec)
		if err != nil {
			return err
		}
		if err := core.Subscribe("cli", key); err != nil {
			return err
		}
	}

	// Headless consumer loop: drain signals until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			core.Drain()
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return core.Stop(config.Millis(cfg.Manager.ShutdownGraceMillis) + time.Second)
		}
	}
}

// logTaskErrors surfaces TASK_ERROR signals in the host log.
func logTaskErrors(core *facade.Facade) {
	core.RegisterSignal(bus.TaskError, func(sig bus.Signal) {
		p, ok := sig.Payload.(bus.TaskErrorPayload)
		if !ok {
			return
		}
		evt := log.Warn()
		if p.Fatal {
			evt = log.Error()
		}
		evt.Str("stream", p.Key.String()).Err(p.Err).Msg("task error")
	})
}

func buildRegistry(exchanges []string) *exchange.Registry {
	registry := exchange.NewRegistry()
	for _, id := range exchanges {
		switch id {
		case "coinbase":
			registry.Register(id, func(id string) (exchange.Capability, error) {
				return coinbase.New(id)
			})
		case "kraken":
			registry.Register(id, func(id string) (exchange.Capability, error) {
				return kraken.New(id)
			})
		default:
			log.Warn().Str("exchange", id).Msg("unknown exchange in config, skipping")
		}
	}
	return registry
}

func buildStore(cfg config.CacheConfig) (cache.Store, func(), error) {
	switch cfg.Backend {
	case "", "file":
		s, err := cache.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		s, err := cache.NewPostgresStore(cfg.DSN, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// parseStreamKey parses kind:exchange:symbol[:timeframe].
func parseStreamKey(spec string) (model.StreamKey, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return model.StreamKey{}, fmt.Errorf("invalid subscription %q, want kind:exchange:symbol[:timeframe]", spec)
	}
	kind, ex, sym := parts[0], parts[1], parts[2]
	switch kind {
	case "trades":
		return model.TradesKey(ex, sym), nil
	case "book":
		return model.OrderBookKey(ex, sym), nil
	case "ticker":
		return model.TickerKey(ex, sym), nil
	case "candles":
		if len(parts) != 4 {
			return model.StreamKey{}, fmt.Errorf("candles subscription %q needs a timeframe", spec)
		}
		tf, err := model.ParseTimeframe(parts[3])
		if err != nil {
			return model.StreamKey{}, err
		}
		return model.CandlesKey(ex, sym, tf), nil
	default:
		return model.StreamKey{}, fmt.Errorf("unknown stream kind %q", kind)
	}
}
