package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "apimeter",
	Short: "Outbound API governance and usage cost telemetry engine",
	Long: `apimeter governs outbound calls to metered third-party APIs and
turns every call into usage and cost telemetry.

It applies per-API admission control, classifies and retries provider
failures, keeps a bounded usage event log, and serves aggregation,
cost and realtime streaming endpoints for dashboards.

Quick start:
  apimeter serve                         # Start with built-in defaults
  apimeter serve --config apimeter.yaml  # Start with a config file
  apimeter validate                      # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: built-in defaults plus APIMETER_* env)")
}
