// =============================================================================
// SECWHEEL CLI - MAIN ENTRY POINT
// =============================================================================
//
// Command-line client for the secwheel daemon.
//
// USAGE:
//   secwheel-cli [command] [subcommand] [flags]
//
// EXAMPLES:
//   secwheel-cli schedule --owner alice --in 90s    # One-shot job
//   secwheel-cli schedule --owner ops --cron "0 * * * *"
//   secwheel-cli events                             # Pending jobs
//   secwheel-cli fired --limit 5                    # Recent fires
//   secwheel-cli stats                              # Wheel counters
//   secwheel-cli demo --events 1000                 # In-process load run
//
// CONFIGURATION:
//   Config file: ~/.secwheel/config.yaml
//   Env vars: SECWHEEL_SERVER, SECWHEEL_CONTEXT, SECWHEEL_API_KEY, SECWHEEL_TIMEOUT
//
// =============================================================================

package main

import (
	"os"

	"secwheel/cmd/secwheel-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
