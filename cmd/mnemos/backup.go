package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/mnemos/internal/mnemos/app"
	"github.com/bdobrica/mnemos/internal/mnemos/backup"
)

var (
	backupCompress bool
	backupKeep     int

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Create, restore, list and rotate database snapshots",
	}

	backupCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Write a consistent snapshot of the live database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				compress := backupCompress
				if !cmd.Flags().Changed("compress") {
					compress = a.Backup.Compress()
				}
				snap, err := a.Backup.CreateBackup(ctx, compress)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	backupRestoreCmd = &cobra.Command{
		Use:   "restore [snapshot-path]",
		Short: "Replace the live data with a snapshot (the newest one by default)",
		Long:  longRestore,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					snap backup.Snapshot
					err  error
				)
				if len(args) == 1 {
					snap, err = backup.SnapshotFromPath(args[0])
				} else {
					snap, err = a.Backup.Latest(ctx)
				}
				if err != nil {
					return err
				}
				if err := a.Backup.RestoreBackup(ctx, snap); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", snap.Path)
				return nil
			})
		},
	}

	backupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				snaps, err := a.Backup.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CREATED\tSIZE\tCOMPRESSED\tPATH")
				for _, s := range snaps {
					fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", s.CreatedAt.Format("2006-01-02 15:04:05Z07:00"), s.Size, s.Compressed, s.Path)
				}
				return w.Flush()
			})
		},
	}

	backupRotateCmd = &cobra.Command{
		Use:   "rotate",
		Short: "Delete all but the newest snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				keep := backupKeep
				if !cmd.Flags().Changed("keep") {
					keep = a.Backup.Keep()
				}
				removed, err := a.Backup.Rotate(ctx, keep)
				if err != nil {
					return err
				}
				for _, s := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", s.Path)
				}
				return nil
			})
		},
	}
)

func init() {
	backupCreateCmd.Flags().BoolVar(&backupCompress, "compress", true, "gzip the snapshot (default: backup.compress)")
	backupRotateCmd.Flags().IntVar(&backupKeep, "keep", backup.DefaultKeep, "snapshots to keep (default: backup.keep)")

	backupCmd.AddCommand(backupCreateCmd, backupRestoreCmd, backupListCmd, backupRotateCmd)
	rootCmd.AddCommand(backupCmd)
}

var longRestore = `
Restore replaces every record and relation with the snapshot's contents in a
single transaction. A safety snapshot of the current data is taken first; if
the restore fails it is used to put the database back and the command exits
with code 4. Exit code 5 means the database could not be reverted and the
safety snapshot was kept in the backup directory.
`
