package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vsmgr/vsmgr/internal/output"
	"github.com/vsmgr/vsmgr/internal/version"
)

// versionReport is the check-version result.
type versionReport struct {
	Channel         string `json:"channel" yaml:"channel"`
	Latest          string `json:"latest" yaml:"latest"`
	Installed       string `json:"installed,omitempty" yaml:"installed,omitempty"`
	UpdateAvailable bool   `json:"update_available" yaml:"update_available"`
}

func newCheckVersionCmd() *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "check-version",
		Short: "Check the latest available server version",
		Long: `Check-version queries the release catalog for the newest version on the
given channel and compares it with the installed server version.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckVersion(channel)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "stable", "Release channel: stable or unstable")
	_ = cmd.RegisterFlagCompletionFunc("channel", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"stable", "unstable"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runCheckVersion(channelName string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	channel, err := version.ParseChannel(channelName)
	if err != nil {
		return err
	}

	ctx := context.Background()
	resolver := newResolver(cfg, logger)

	latest, err := resolver.ResolveLatest(ctx, channel)
	if err != nil {
		return err
	}

	report := versionReport{Channel: string(channel), Latest: latest.String()}

	installed, err := resolver.Installed(ctx)
	switch {
	case errors.Is(err, version.ErrVersionUnknown):
		// Degraded but continuable: report the latest without comparison.
		logger.Warnf("%v", err)
		report.UpdateAvailable = true
	case err != nil:
		return err
	default:
		report.Installed = installed.String()
		report.UpdateAvailable = latest.Newer(installed)
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}

	return output.Render(os.Stdout, format, report, func(w io.Writer) error {
		fmt.Fprintf(w, "Latest %s version: %s\n", report.Channel, report.Latest)
		if report.Installed != "" {
			fmt.Fprintf(w, "Installed version: %s\n", report.Installed)
		} else {
			fmt.Fprintln(w, "Installed version: unknown")
		}
		if report.UpdateAvailable {
			fmt.Fprintf(w, "Update available. Run: vsmgr update %s\n", report.Latest)
		} else {
			fmt.Fprintln(w, "Server is up to date.")
		}
		return nil
	})
}
