package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vsmgr/vsmgr/internal/backup"
	"github.com/vsmgr/vsmgr/internal/output"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, and prune data backups",
		Long: `Backup manages compressed snapshots of the server data directory.

Snapshots are tar archives compressed with zstd, named with their creation
timestamp, and stored in the configured backup directory. Cache, log, and
staging subdirectories are excluded.`,
	}

	cmd.AddCommand(newBackupCreateCmd())
	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupPruneCmd())

	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new data backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupCreate(dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the backup without writing it")

	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all data backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupList()
		},
	}
}

func newBackupPruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old backups beyond the retention count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupPrune(keep)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", -1, "Number of backups to keep (default from config)")

	return cmd
}

func newBackupManager(dryRun bool) (*backup.Manager, int, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, 0, err
	}
	m := backup.NewManager(cfg.DataDir, cfg.BackupDir, cfg.BackupExclude, dryRun, logger)
	return m, cfg.MaxBackups, nil
}

func runBackupCreate(dryRun bool) error {
	manager, keep, err := newBackupManager(dryRun)
	if err != nil {
		return err
	}

	rec, err := manager.Create()
	if err != nil {
		return err
	}

	if _, err := manager.Rotate(keep); err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.Render(os.Stdout, format, rec, func(w io.Writer) error {
		fmt.Fprintf(w, "Backup created: %s (%s)\n", rec.Path, humanize.Bytes(uint64(rec.Size)))
		return nil
	})
}

func runBackupList() error {
	manager, _, err := newBackupManager(false)
	if err != nil {
		return err
	}

	records, err := manager.List()
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.Render(os.Stdout, format, records, func(w io.Writer) error {
		if len(records) == 0 {
			fmt.Fprintln(w, "No backups found.")
			fmt.Fprintf(w, "Backup directory: %s\n", manager.Dir())
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tSIZE\tPATH")
		for _, b := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\n",
				b.CreatedAt.Format("2006-01-02 15:04:05"),
				humanize.Bytes(uint64(b.Size)),
				b.Path,
			)
		}
		return tw.Flush()
	})
}

func runBackupPrune(keep int) error {
	manager, configured, err := newBackupManager(false)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = configured
	}

	deleted, err := manager.Rotate(keep)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.Render(os.Stdout, format, deleted, func(w io.Writer) error {
		if len(deleted) == 0 {
			fmt.Fprintf(w, "No backups to prune (keeping %d).\n", keep)
			return nil
		}
		fmt.Fprintf(w, "Pruned %d backup(s):\n", len(deleted))
		for _, b := range deleted {
			fmt.Fprintf(w, "  - %s\n", b.Path)
		}
		return nil
	})
}
