// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --server, -s    Daemon URL (default: http://localhost:8080)
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout (default: 30s)
//   --api-key       API key sent as X-API-Key
//   --config        CLI config file (default: ~/.secwheel/config.yaml)
//
// SUBCOMMANDS:
//   schedule    Schedule a job
//   cancel      Cancel a pending job
//   events      List or show pending jobs
//   fired       Show recently fired jobs
//   stats       Wheel and service statistics
//   health      Check the daemon answers
//   keys        Manage daemon API keys (admin)
//   config      Manage CLI contexts
//   demo        Run the in-process load demo
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"secwheel/internal/cli"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	// Global flags
	serverFlag     string
	contextFlag    string
	outputFlag     string
	timeoutFlag    string
	apiKeyFlag     string
	configPathFlag string

	// Shared instances, set up by initializeClient
	settings  cli.Settings
	client    *cli.Client
	formatter *cli.Formatter
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "secwheel-cli",
	Short: "Command-line interface for the secwheel job daemon",
	Long: `secwheel-cli schedules, inspects and cancels deferred jobs on a
secwheel daemon.

Jobs fire at whole-second resolution: at an absolute Unix second (--at),
after a delay (--in) or on a 5-field cron schedule (--cron).

Use "secwheel-cli [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&serverFlag, "server", "s", "", "Daemon URL (env: "+cli.EnvServer+")")
	flags.StringVarP(&contextFlag, "context", "c", "", "Config context to use (env: "+cli.EnvContext+")")
	flags.StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json, yaml")
	flags.StringVar(&timeoutFlag, "timeout", "", "Request timeout, e.g. 10s (env: "+cli.EnvTimeout+")")
	flags.StringVar(&apiKeyFlag, "api-key", "", "API key (env: "+cli.EnvAPIKey+")")
	flags.StringVar(&configPathFlag, "config", cli.DefaultConfigPath(), "CLI config file")

	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(firedCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// CLIENT INITIALIZATION
// =============================================================================

// initializeClient resolves connection settings and builds the client and
// formatter before each command.
func initializeClient(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)
	formatter.SetWriter(cmd.OutOrStdout())

	// config commands manage the file themselves and need no daemon
	if cmd.Name() == "config" || cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	cfg, err := cli.LoadConfigFromPath(configPathFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cli.Flags{
		Server:  serverFlag,
		Context: contextFlag,
		APIKey:  apiKeyFlag,
	}
	if timeoutFlag != "" {
		d, err := parseDuration(timeoutFlag)
		if err != nil {
			return fmt.Errorf("--timeout: %w", err)
		}
		flags.Timeout = d
	}

	settings, err = cli.Resolve(flags, cfg)
	if err != nil {
		return err
	}
	client = cli.NewClient(settings)
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// requestContext returns a context bounded by the resolved timeout.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, settings.Timeout)
}

// handleError prints an error and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
