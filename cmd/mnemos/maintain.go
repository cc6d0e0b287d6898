package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bdobrica/mnemos/internal/mnemos/app"
)

var (
	pruneRetentionDays int

	maintainCmd = &cobra.Command{
		Use:   "maintain",
		Short: "Run database maintenance tasks",
		Long:  "Without a subcommand, builds indexes, prunes expired records and compacts, in that order.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Maintenance.Run(ctx, retentionDays(cmd, a))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}

	maintainIndexCmd = &cobra.Command{
		Use:   "index",
		Short: "Create any missing indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Maintenance.BuildIndexes(ctx)
			})
		},
	}

	maintainCompactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Return free pages to the filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Maintenance.Compact(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	maintainPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete old, unimportant records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Maintenance.PruneExpired(ctx, retentionDays(cmd, a))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
)

// retentionDays prefers the --days flag over maintenance.retention_days.
func retentionDays(cmd *cobra.Command, a *app.App) int {
	if cmd.Flags().Changed("days") {
		return pruneRetentionDays
	}
	return a.Config().Maintenance.RetentionDays
}

func init() {
	for _, c := range []*cobra.Command{maintainCmd, maintainPruneCmd} {
		c.Flags().IntVar(&pruneRetentionDays, "days", 30, "retention in days (default: maintenance.retention_days)")
	}
	maintainCmd.AddCommand(maintainIndexCmd, maintainCompactCmd, maintainPruneCmd)
	rootCmd.AddCommand(maintainCmd)
}
