package cmd

import (
	"github.com/spf13/cobra"

	"secwheel/internal/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Show the CLI version and whether the configured daemon answers.

Examples:
  secwheel-cli version
  secwheel-cli version -o json`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := &cli.VersionInfo{
		ClientVersion: cli.Version,
		Server:        settings.Server,
	}

	if client != nil {
		ctx, cancel := requestContext(cmd)
		health, err := client.Health(ctx)
		cancel()
		if err == nil {
			info.ServerStatus = health.Status
		}
	}

	return formatter.FormatVersion(info)
}
