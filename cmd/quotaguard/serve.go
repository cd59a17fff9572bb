package main

import (
	"os"

	"github.com/artpar/quotaguard/bootstrap"
	"github.com/artpar/quotaguard/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the quotaguard gateway.

The server will:
  - Load configuration from quotaguard.yaml (or --config)
  - Or load configuration from QUOTAGUARD_* environment variables
  - Connect to the counter store and the ledger database
  - Admit or reject every identified request against its plan
  - Run the persistence and sweep jobs

Plans, log level and the admin token hash are reloaded when the config
file changes or on SIGHUP.

Examples:
  quotaguard serve
  quotaguard serve --config /etc/quotaguard/config.yaml
  QUOTAGUARD_STORE_DRIVER=memory quotaguard serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload configuration on file change or SIGHUP")
}

func runServe(cmd *cobra.Command, args []string) error {
	_, statErr := os.Stat(cfgFile)
	if statErr != nil || !hotReload {
		a, err := openApp()
		if err != nil {
			return err
		}
		return a.Run(cmd.Context())
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	holder, err := config.NewHolder(cfgFile, logger)
	if err != nil {
		return err
	}
	defer holder.Stop()

	a, err := bootstrap.New(holder.Get())
	if err != nil {
		return err
	}
	a.Watch(holder)

	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch disabled")
	}
	holder.WatchSignals()

	return a.Run(cmd.Context())
}
