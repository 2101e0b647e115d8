// =============================================================================
// CONFIG COMMANDS - MANAGE CLI CONTEXTS
// =============================================================================
//
// COMMANDS:
//   secwheel-cli config view
//   secwheel-cli config get-contexts
//   secwheel-cli config use-context <name>
//   secwheel-cli config set-context <name> --server URL [--api-key K] [--timeout N]
//   secwheel-cli config delete-context <name>
//
// =============================================================================

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"secwheel/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage secwheel-cli contexts.

Contexts live in ~/.secwheel/config.yaml (or the file given with --config)
and name the daemons the CLI can talk to.

Examples:
  secwheel-cli config view
  secwheel-cli config set-context staging --server https://staging.example.com
  secwheel-cli config use-context staging`,
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetContextsCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
}

// loadConfig reads the CLI config file selected by --config.
func loadConfig() (*cli.Config, error) {
	return cli.LoadConfigFromPath(configPathFlag)
}

// =============================================================================
// VIEW / GET-CONTEXTS
// =============================================================================

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return handleError(err)
		}
		if outputFlag != string(cli.OutputTable) {
			return formatter.FormatValue(cfg)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Config file: %s\n\n", configPathFlag)
		fmt.Fprintf(out, "Current context: %s\n\n", cfg.CurrentContext)
		return writeContexts(cfg)
	},
}

var configGetContextsCmd = &cobra.Command{
	Use:   "get-contexts",
	Short: "List all contexts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return handleError(err)
		}
		if outputFlag != string(cli.OutputTable) {
			return formatter.FormatValue(cfg.Contexts)
		}
		return writeContexts(cfg)
	},
}

func writeContexts(cfg *cli.Config) error {
	table := formatter.Table("name", "server", "timeout", "current")
	for _, name := range cfg.ListContexts() {
		ctx := cfg.Contexts[name]
		current := ""
		if name == cfg.CurrentContext {
			current = "*"
		}
		timeout := "-"
		if ctx.Timeout > 0 {
			timeout = fmt.Sprintf("%ds", ctx.Timeout)
		}
		table.WriteRow(name, ctx.Server, timeout, current)
	}
	return table.Flush()
}

// =============================================================================
// USE-CONTEXT
// =============================================================================

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch to a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return handleError(err)
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return handleError(err)
		}
		if err := cfg.SaveToPath(configPathFlag); err != nil {
			return handleError(err)
		}
		formatter.Success("Switched to context %q", args[0])
		return nil
	},
}

// =============================================================================
// SET-CONTEXT
// =============================================================================

var (
	setContextServer  string
	setContextAPIKey  string
	setContextTimeout int
)

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Long: `Create a new context or update an existing one. --server is required
for new contexts; for existing ones only the given flags change.

Examples:
  secwheel-cli config set-context prod --server https://secwheel.prod.example.com
  secwheel-cli config set-context prod --api-key "new-key" --timeout 60`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigSetContext,
}

func init() {
	configSetContextCmd.Flags().StringVar(&setContextServer, "server", "", "Daemon URL")
	configSetContextCmd.Flags().StringVar(&setContextAPIKey, "api-key", "", "API key")
	configSetContextCmd.Flags().IntVar(&setContextTimeout, "timeout", 30, "Request timeout in seconds")
}

func runConfigSetContext(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return handleError(err)
	}

	ctx, err := cfg.Context(name)
	if err != nil {
		if setContextServer == "" {
			return handleError(fmt.Errorf("--server is required for new context %q", name))
		}
		ctx = &cli.ContextConfig{Timeout: setContextTimeout}
	}

	if cmd.Flags().Changed("server") {
		ctx.Server = setContextServer
	}
	if cmd.Flags().Changed("api-key") {
		ctx.APIKey = setContextAPIKey
	}
	if cmd.Flags().Changed("timeout") {
		ctx.Timeout = setContextTimeout
	}

	cfg.SetContext(name, ctx)
	if cfg.CurrentContext == "" {
		cfg.CurrentContext = name
	}

	if err := cfg.SaveToPath(configPathFlag); err != nil {
		return handleError(err)
	}
	formatter.Success("Context %q saved", name)
	return nil
}

// =============================================================================
// DELETE-CONTEXT
// =============================================================================

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return handleError(err)
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return handleError(err)
		}
		if err := cfg.SaveToPath(configPathFlag); err != nil {
			return handleError(err)
		}
		formatter.Success("Context %q deleted", args[0])
		return nil
	},
}
