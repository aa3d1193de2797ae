package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	outputFormat string
	configPath   string
	verbose      bool
	quiet        bool
)

func Execute(version, commit, date string) error {
	rootCmd := &cobra.Command{
		Use:   "vsmgr",
		Short: "Manage a Vintage Story dedicated server installation",
		Long: `vsmgr performs safe, unattended upgrades of a systemd-managed Vintage Story
server: it stops the service, snapshots the data directory, downloads and
validates the release, swaps the installed files, and restarts the service.

Any failure leaves the service running again rather than stuck down.`,
		Version:      version,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to vsmgr.toml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")

	// Add subcommands
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newCheckVersionCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newBackupCmd())

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp
	})

	return rootCmd.Execute()
}
