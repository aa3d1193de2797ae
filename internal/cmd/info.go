package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vsmgr/vsmgr/internal/backup"
	"github.com/vsmgr/vsmgr/internal/output"
	"github.com/vsmgr/vsmgr/internal/service"
)

// infoReport summarizes the installation state.
type infoReport struct {
	ServiceName  string          `json:"service_name" yaml:"service_name"`
	ServiceState string          `json:"service_state" yaml:"service_state"`
	Installed    string          `json:"installed_version,omitempty" yaml:"installed_version,omitempty"`
	ServerDir    string          `json:"server_dir" yaml:"server_dir"`
	DataDir      string          `json:"data_dir" yaml:"data_dir"`
	BackupDir    string          `json:"backup_dir" yaml:"backup_dir"`
	Backups      []backup.Record `json:"backups,omitempty" yaml:"backups,omitempty"`
	BackupsShown bool            `json:"-" yaml:"-"`
}

func newInfoCmd() *cobra.Command {
	var detailed bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show installation and service status",
		Long:  `Info reports the service state, the installed server version, and the configured directories.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(detailed)
		},
	}

	cmd.Flags().BoolVar(&detailed, "detailed", false, "Include the backup inventory")

	return cmd
}

func runInfo(detailed bool) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	ctl := service.NewSystemd(logger)

	report := infoReport{
		ServiceName: cfg.ServiceName,
		ServerDir:   cfg.ServerDir,
		DataDir:     cfg.DataDir,
		BackupDir:   cfg.BackupDir,
	}

	report.ServiceState = serviceState(ctx, ctl, cfg.ServiceName)

	if installed, err := newResolver(cfg, logger).Installed(ctx); err == nil {
		report.Installed = installed.String()
	} else {
		logger.Debugf("installed version unknown: %v", err)
	}

	if detailed {
		backups := backup.NewManager(cfg.DataDir, cfg.BackupDir, cfg.BackupExclude, false, logger)
		records, err := backups.List()
		if err != nil {
			return err
		}
		report.Backups = records
		report.BackupsShown = true
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}

	return output.Render(os.Stdout, format, report, func(w io.Writer) error {
		fmt.Fprintf(w, "Service:           %s (%s)\n", report.ServiceName, report.ServiceState)
		if report.Installed != "" {
			fmt.Fprintf(w, "Installed version: %s\n", report.Installed)
		} else {
			fmt.Fprintln(w, "Installed version: unknown")
		}
		fmt.Fprintf(w, "Server directory:  %s\n", report.ServerDir)
		fmt.Fprintf(w, "Data directory:    %s\n", report.DataDir)
		fmt.Fprintf(w, "Backup directory:  %s\n", report.BackupDir)

		if report.BackupsShown {
			fmt.Fprintf(w, "\nBackups (%d):\n", len(report.Backups))
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tSIZE\tPATH")
			for _, b := range report.Backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\n",
					b.CreatedAt.Format("2006-01-02 15:04:05"),
					humanize.Bytes(uint64(b.Size)),
					b.Path,
				)
			}
			return tw.Flush()
		}
		return nil
	})
}

// serviceState maps controller results onto a single status word:
// running, stopped, not-found, or error.
func serviceState(ctx context.Context, ctl service.Controller, name string) string {
	active, err := ctl.IsActive(ctx, name)
	if err != nil {
		return "error"
	}
	if active {
		return "running"
	}
	exists, err := ctl.Exists(ctx, name)
	if err != nil {
		return "error"
	}
	if !exists {
		return "not-found"
	}
	return "stopped"
}
