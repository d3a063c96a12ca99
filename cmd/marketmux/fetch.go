package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketmux/marketmux/internal/config"
	"github.com/marketmux/marketmux/internal/facade"
	"github.com/marketmux/marketmux/internal/fetch"
	"github.com/marketmux/marketmux/internal/model"
	"github.com/marketmux/marketmux/internal/telemetry"
)

func newFetchCmd() *cobra.Command {
	var (
		since string
		bars  int
	)
	cmd := &cobra.Command{
		Use:   "fetch <exchange> <symbol> <timeframe>",
		Short: "Fetch historical candles through the cache and print them as CSV",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), args[0], args[1], args[2], since, bars)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "window start, RFC3339 or unix millis")
	cmd.Flags().IntVar(&bars, "bars", 500, "bar count when --since is not given")
	return cmd
}

func runFetch(ctx context.Context, exchangeID, symbol, tfStr, since string, bars int) error {
	tf, err := model.ParseTimeframe(tfStr)
	if err != nil {
		return err
	}

	sinceMillis, err := resolveSince(since, bars, tf)
	if err != nil {
		return err
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	registry := buildRegistry(cfg.Exchanges)
	defer registry.Close()

	store, closeStore, err := buildStore(cfg.Cache)
	if err != nil {
		return err
	}
	defer closeStore()

	core := facade.New(registry, store, telemetry.New(), facade.Config{
		Fetch: fetch.Config{
			MaxRetries:    cfg.Fetch.MaxRetries,
			BackoffBase:   config.Millis(cfg.Fetch.BackoffBaseMillis),
			BackoffCap:    config.Millis(cfg.Fetch.BackoffCapMillis),
			RateSleepCap:  config.Millis(cfg.Fetch.RateSleepCapMillis),
			PageLimit:     cfg.Fetch.PageLimit,
			ExchangeSlots: cfg.Fetch.ExchangeSlots,
		},
	})

	series, err := core.FetchCandlesOnce(ctx, exchangeID, symbol, tf, sinceMillis)
	if err != nil {
		return err
	}
	return writeCandlesCSV(os.Stdout, series)
}

func resolveSince(since string, bars int, tf model.Timeframe) (int64, error) {
	if since == "" {
		if bars <= 0 {
			return 0, fmt.Errorf("--bars must be positive, got %d", bars)
		}
		window := time.Duration(bars) * tf.Duration()
		return time.Now().Add(-window).UnixMilli(), nil
	}
	if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
		return ms, nil
	}
	ts, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return 0, fmt.Errorf("invalid --since %q, want RFC3339 or unix millis", since)
	}
	return ts.UnixMilli(), nil
}

func writeCandlesCSV(out *os.File, series model.CandleSeries) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range series {
		row := []string{
			strconv.FormatInt(c.TimestampSeconds, 10),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
