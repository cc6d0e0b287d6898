package main

import (
	"github.com/spf13/cobra"

	"github.com/bdobrica/mnemos/common/version"
	"github.com/bdobrica/mnemos/internal/mnemos/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups and maintenance with the health and metrics endpoint",
	Long:  longServe,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Maintenance.BuildIndexes(cmd.Context()); err != nil {
			return err
		}

		if err := a.Run(cmd.Context()); !app.IsShutdown(err) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

var longServe = `
Serve runs the backup and maintenance schedules from the config until
interrupted. A failed run is retried after jobs.fallback_delay instead of
waiting for the next scheduled time.

When http.addr is set it also serves:
  /health   liveness
  /status   record, relation and cache figures
  /metrics  Prometheus metrics
` + "\n" + version.Info()
