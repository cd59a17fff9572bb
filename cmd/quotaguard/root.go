package main

import (
	"fmt"
	"os"

	"github.com/artpar/quotaguard/bootstrap"
	"github.com/artpar/quotaguard/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotaguard",
	Short: "Rate limiting and usage accounting gateway",
	Long: `quotaguard enforces per-user request rate limits, concurrency caps
and monthly quotas in front of an API, and keeps a durable usage ledger.

Quick start:
  quotaguard serve        # Start the gateway

Operations:
  quotaguard reconcile    # Fold queued usage into the ledger
  quotaguard sweep        # Repair counters without an expiry
  quotaguard usage        # Inspect usage
  quotaguard hash-token   # Hash an admin token for admin.token_hash`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotaguard.yaml", "config file path")
}

// openApp loads configuration (file, else environment) and wires the
// application without serving.
func openApp() (*bootstrap.App, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return bootstrap.New(cfg)
}
