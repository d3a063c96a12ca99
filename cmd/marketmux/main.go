// marketmux is the host binary for the market data core: a ref-counted
// subscription manager over exchange streams with a candle cache.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagExchanges []string
)

func main() {
	root := &cobra.Command{
		Use:           "marketmux",
		Short:         "Real-time market data distribution core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flagLogLevel)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (trace|debug|info|warn|error)")
	root.PersistentFlags().StringSliceVar(&flagExchanges, "exchanges", nil, "override configured exchange list")

	root.AddCommand(newRunCmd(), newFetchCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("marketmux " + version)
		},
	}
}

func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
