package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "View usage statistics",
	Long: `View usage statistics.

Examples:
  quotaguard usage summary --user=user_123
  quotaguard usage system --days=7
  quotaguard usage reset --user=user_123`,
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a user's usage in the current period",
	RunE:  runUsageSummary,
}

var usageSystemCmd = &cobra.Command{
	Use:   "system",
	Short: "Show system-wide usage",
	RunE:  runUsageSystem,
}

var usageResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a user's current period and counters",
	RunE:  runUsageReset,
}

var (
	usageUserID string
	usageDays   int
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageSummaryCmd)
	usageCmd.AddCommand(usageSystemCmd)
	usageCmd.AddCommand(usageResetCmd)

	usageSummaryCmd.Flags().StringVar(&usageUserID, "user", "", "user ID")
	usageResetCmd.Flags().StringVar(&usageUserID, "user", "", "user ID")
	usageSystemCmd.Flags().IntVar(&usageDays, "days", 30, "number of trailing days")
}

func requireUser() error {
	if usageUserID == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

func runUsageSummary(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Usage.Summary(cmd.Context(), usageUserID)
	if err != nil {
		return fmt.Errorf("failed to get usage: %w", err)
	}

	fmt.Printf("Usage Summary for %s\n\n", usageUserID)
	fmt.Printf("Plan:       %s\n", s.PlanID)
	fmt.Printf("Requests:   %d / %d (%.1f%%)\n", s.Current, s.Limit, s.Percentage)
	fmt.Printf("Remaining:  %d\n", s.Remaining)
	if s.ResetDate != nil {
		fmt.Printf("Resets:     %s\n", s.ResetDate.Format("2006-01-02 15:04 MST"))
	}
	return nil
}

func runUsageSystem(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Usage.SystemAnalytics(cmd.Context(), usageDays)
	if err != nil {
		return err
	}

	fmt.Printf("Last %d days: %d requests\n\n", s.PeriodDays, s.TotalRequests)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLAN\tNAME\tREQUESTS")
	for _, p := range s.UsageByPlan {
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.PlanID, p.PlanName, p.Requests)
	}
	w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tEMAIL\tREQUESTS")
	for _, u := range s.TopUsers {
		fmt.Fprintf(w, "%s\t%s\t%d\n", u.UserID, u.Email, u.Requests)
	}
	return w.Flush()
}

func runUsageReset(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Usage.ResetUserUsage(cmd.Context(), usageUserID)
	if err != nil {
		return err
	}

	fmt.Printf("Reset %s: ledger reset=%v, %d counters deleted\n", usageUserID, res.LedgerReset, res.KeysDeleted)
	return nil
}
