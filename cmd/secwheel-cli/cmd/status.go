package cmd

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// STATS
// =============================================================================

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show wheel and service statistics",
	Long: `Show the daemon's wheel counters (scheduled, fired, cancelled, lag)
and job service counters (active jobs, webhooks).

Examples:
  secwheel-cli stats
  secwheel-cli stats -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		stats, err := client.Stats(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatStats(stats)
	},
}

// =============================================================================
// HEALTH
// =============================================================================

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the daemon answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatHealth(health)
	},
}
