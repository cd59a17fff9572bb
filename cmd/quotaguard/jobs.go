package main

import (
	"fmt"
	"time"

	"github.com/artpar/quotaguard/domain/usage"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fold one hour of queued usage into the ledger",
	Long: `Drain the usage queue of one hour and bill the counts to each user's
current period. Defaults to the previous hour, which is what the scheduled
persistence job processes.

Examples:
  quotaguard reconcile
  quotaguard reconcile --hour 2024011511`,
	RunE: runReconcile,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Give counters and caches without an expiry a bounded one",
	RunE:  runSweep,
}

var reconcileHour string

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)

	reconcileCmd.Flags().StringVar(&reconcileHour, "hour", "", "hour to reconcile (YYYYMMDDHH, UTC)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	hour := time.Now().UTC().Add(-time.Hour)
	if reconcileHour != "" {
		if hour, err = usage.ParseHour(reconcileHour); err != nil {
			return fmt.Errorf("invalid --hour: %w", err)
		}
	}

	res, err := a.Reconciler.ReconcileHour(cmd.Context(), hour)
	if err != nil {
		return err
	}

	fmt.Printf("Hour:      %s\n", res.Hour.Format("2006010215"))
	fmt.Printf("Drained:   %d\n", res.Drained)
	fmt.Printf("Malformed: %d\n", res.Malformed)
	fmt.Printf("Billed:    %d requests across %d users\n", res.Billed, res.Users)
	if res.Failed > 0 {
		fmt.Printf("Failed:    %d users\n", res.Failed)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	limits, err := a.Sweeper.SweepRateLimits(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep rate limits: %w", err)
	}
	caches, err := a.Sweeper.SweepCaches(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep caches: %w", err)
	}

	fmt.Printf("Rate limit keys: %d scanned, %d fixed\n", limits.Scanned, limits.Fixed)
	fmt.Printf("Cache keys:      %d scanned, %d fixed\n", caches.Scanned, caches.Fixed)
	return nil
}
