// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/iqstream/internal/config"
	"firestige.xyz/iqstream/internal/log"
	"firestige.xyz/iqstream/internal/metrics"
)

var (
	// Global flags
	configFile string
	logLevel   string

	// cfg is loaded before every subcommand runs.
	cfg *config.GlobalConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iqstream",
	Short: "iqstream - SDR host streaming core",
	Long: `iqstream moves timestamped I/Q samples between a host and a software
defined radio. It frames samples into VITA-49 or CHDR packets, aligns
multi-channel receive streams, fragments and flow-controls transmit bursts,
and recovers from overflows.

Commands run against the built-in simulated device or, for receive, against
packets arriving on UDP sockets or replayed from capture files.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := log.Init(loaded.Log); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level")

	rootCmd.AddCommand(rxCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(validateCmd)
}

// startMetrics serves Prometheus metrics when enabled. The returned stop
// function is always safe to call.
func startMetrics(ctx context.Context, mc config.MetricsConfig) (func(), error) {
	if !mc.Enabled {
		return func() {}, nil
	}
	srv := metrics.NewServer(mc.Listen, mc.Path)
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			slog.Warn("metrics server stop failed", "error", err)
		}
	}, nil
}
