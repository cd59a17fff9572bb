package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/quotaguard/adapters/hasher"
	"github.com/artpar/quotaguard/config"
	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash an admin token for admin.token_hash",
	Long: `Print the bcrypt hash of an admin bearer token. The token is read from
the argument or, when omitted, from the first line of stdin.

Example:
  echo -n "$ADMIN_TOKEN" | quotaguard hash-token`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashToken,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE:  runValidate,
}

var hashCost int

func init() {
	rootCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(validateCmd)

	hashTokenCmd.Flags().IntVar(&hashCost, "cost", 0, "bcrypt cost (0 for the default)")
}

func runHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimRight(line, "\r\n")
	}
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	hash, err := hasher.NewBcrypt(hashCost).Hash(token)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("Configuration valid")
	fmt.Printf("  Listen:  %s\n", cfg.Server.Addr())
	fmt.Printf("  Store:   %s\n", cfg.Store.Driver)
	fmt.Printf("  Plans:   %d\n", len(cfg.Plans))
	if cfg.Upstream.URL != "" {
		fmt.Printf("  Upstream: %s\n", cfg.Upstream.URL)
	}
	return nil
}
