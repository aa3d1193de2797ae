package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vsmgr/vsmgr/internal/backup"
	"github.com/vsmgr/vsmgr/internal/interactive"
	"github.com/vsmgr/vsmgr/internal/run"
	"github.com/vsmgr/vsmgr/internal/service"
	"github.com/vsmgr/vsmgr/internal/transfer"
	"github.com/vsmgr/vsmgr/internal/update"
)

func newUpdateCmd() *cobra.Command {
	var (
		skipBackup          bool
		ignoreBackupFailure bool
		maxBackups          int
		dryRun              bool
		assumeYes           bool
	)

	cmd := &cobra.Command{
		Use:   "update <version>",
		Short: "Update the server to a specific version",
		Long: `Update stops the server, backs up its data, downloads and extracts the
release archive, swaps the installed files, and restarts the service.

The version must be given as major.minor.patch, e.g. "1.20.4". If any step
fails, the temporary files are removed and the service is restarted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(args[0], update.Options{
				SkipBackup:          skipBackup,
				IgnoreBackupFailure: ignoreBackupFailure,
				MaxBackups:          maxBackups,
				DryRun:              dryRun,
				AssumeYes:           assumeYes,
			})
		},
	}

	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "Skip the data backup step")
	cmd.Flags().BoolVar(&ignoreBackupFailure, "ignore-backup-failure", false, "Continue even if the backup fails")
	cmd.Flags().IntVar(&maxBackups, "max-backups", -1, "Backup retention count (default from config; 0 disables rotation)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe every step without making changes")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Pre-authorize the degraded fallback transfer")

	return cmd
}

func runUpdate(target string, opts update.Options) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if opts.MaxBackups < 0 {
		opts.MaxBackups = cfg.MaxBackups
	}
	opts.Version = target

	// An operator interrupt takes the same cleanup path as a failure.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := run.ExecRunner{}
	strategy := transfer.Detect(runner, opts.DryRun, logger)
	backups := backup.NewManager(cfg.DataDir, cfg.BackupDir, cfg.BackupExclude, opts.DryRun, logger)
	prompter := interactive.NewPrompter()

	orch := update.New(
		cfg,
		newResolver(cfg, logger),
		backups,
		strategy,
		service.NewSystemd(logger),
		runner,
		prompter.Confirm,
		opts.DryRun,
		logger,
	)

	return orch.Run(ctx, opts)
}
