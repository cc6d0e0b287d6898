package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/mnemos/common/trace"
	"github.com/bdobrica/mnemos/internal/mnemos/app"
	"github.com/bdobrica/mnemos/internal/mnemos/config"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
	"github.com/bdobrica/mnemos/internal/mnemos/observability"
)

var (
	cfgFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "mnemos",
		Short:         "Persistent memory store with priority caching, maintenance and backups",
		Long:          longRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command with SIGINT and SIGTERM cancelling its
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&cfgFile,
		"config",
		"c",
		os.Getenv("MNEMOS_CONFIG"),
		"config file (defaults and MNEMOS_* variables apply without one)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel,
		"log-level",
		"",
		"override log.level (debug, info, warn, error)",
	)
}

// loadConfig reads the config and installs the logger it describes.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

// openApp loads the config and builds the application. The caller closes
// the returned App.
func openApp() (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger)
}

// withApp runs fn against a freshly opened App bounded by app.OpTimeout.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(trace.Ensure(cmd.Context()), app.OpTimeout)
	defer cancel()
	observability.WithTrace(ctx).Debug("command started", "cmd", cmd.CommandPath())
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps error kinds to distinct process exit codes so scripts can
// tell bad input from a broken store.
func exitCode(err error) int {
	var me *memory.Error
	if !errors.As(err, &me) {
		return 1
	}
	switch me.Kind {
	case memory.KindValidation:
		return 2
	case memory.KindNotFound:
		return 3
	case memory.KindBackup:
		if me.Reverted {
			return 4
		}
		return 5
	default:
		return 1
	}
}

var longRoot = `
mnemos stores records in SQLite, keeps the most important ones in a
priority cache, and runs scheduled maintenance and backups.

Examples:
  # Write a default config file, then serve with it.
  mnemos config init mnemos.yaml
  mnemos -c mnemos.yaml serve

  # Store and read back a record.
  mnemos store notes "buy milk" --importance 0.9
  mnemos retrieve notes
`
