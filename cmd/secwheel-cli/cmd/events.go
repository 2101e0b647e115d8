// =============================================================================
// EVENT COMMANDS - SCHEDULE, CANCEL, INSPECT
// =============================================================================
//
// COMMANDS:
//   secwheel-cli schedule --owner alice --in 90s --arg report
//   secwheel-cli schedule --owner billing --cron "*/5 * * * *"
//   secwheel-cli cancel <id>
//   secwheel-cli events [id]
//   secwheel-cli fired --limit 20
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"secwheel/internal/cli"
	"secwheel/internal/service"
)

// =============================================================================
// SCHEDULE
// =============================================================================

var (
	scheduleOwner   string
	scheduleArg     string
	scheduleAt      int64
	scheduleIn      string
	scheduleCron    string
	scheduleWebhook string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a job",
	Long: `Schedule a job on the daemon's timer wheel.

Exactly one of --at, --in and --cron must be given:
  --at     absolute Unix second; a past second fires on the next tick
  --in     delay from now, e.g. 90s, 5m, or a bare number of seconds
  --cron   5-field cron expression; the job recurs until cancelled

Examples:
  secwheel-cli schedule --owner alice --in 90s --arg report
  secwheel-cli schedule --owner ops --at 1760000000
  secwheel-cli schedule --owner billing --cron "0 * * * *" \
    --webhook https://hooks.example.com/fired`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func init() {
	f := scheduleCmd.Flags()
	f.StringVar(&scheduleOwner, "owner", "", "Job owner (required)")
	f.StringVar(&scheduleArg, "arg", "", "Opaque argument passed back when the job fires")
	f.Int64Var(&scheduleAt, "at", 0, "Absolute Unix second to fire at")
	f.StringVar(&scheduleIn, "in", "", "Delay from now (e.g. 90s)")
	f.StringVar(&scheduleCron, "cron", "", "5-field cron expression")
	f.StringVar(&scheduleWebhook, "webhook", "", "URL to POST the fired record to")
	scheduleCmd.MarkFlagRequired("owner")
	scheduleCmd.MarkFlagsMutuallyExclusive("at", "in", "cron")
	scheduleCmd.MarkFlagsOneRequired("at", "in", "cron")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	req := cli.ScheduleRequest{
		Owner:   scheduleOwner,
		Arg:     scheduleArg,
		At:      scheduleAt,
		Cron:    scheduleCron,
		Webhook: scheduleWebhook,
	}

	if scheduleIn != "" {
		d, err := parseDuration(scheduleIn)
		if err != nil {
			return handleError(fmt.Errorf("--in: %w", err))
		}
		req.Delay = d.String()
	}

	// Catch typos before the round trip.
	if scheduleCron != "" {
		if err := service.ValidateCron(scheduleCron); err != nil {
			return handleError(err)
		}
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()

	event, err := client.Schedule(ctx, req)
	if err != nil {
		return handleError(err)
	}

	formatter.Success("Scheduled %s", event.ID)
	return formatter.FormatEvent(event)
}

// =============================================================================
// CANCEL
// =============================================================================

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel pending jobs",
	Long: `Cancel one or more pending jobs. Recurring jobs stop recurring.

Examples:
  secwheel-cli cancel 0b6c4f0e-6a0e-4f7e-9d55-2f2b5c1c1a11`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	var errs []error
	for _, id := range args {
		if err := client.CancelEvent(ctx, id); err != nil {
			if cli.IsNotFound(err) {
				err = fmt.Errorf("job %s not found (already fired or cancelled)", id)
			}
			cli.PrintError("%v", err)
			errs = append(errs, err)
			continue
		}
		formatter.Success("Cancelled %s", id)
	}
	return errors.Join(errs...)
}

// =============================================================================
// EVENTS
// =============================================================================

var eventsCmd = &cobra.Command{
	Use:     "events [id]",
	Aliases: []string{"ls"},
	Short:   "List pending jobs or show one",
	Long: `Without arguments, list pending jobs ordered by expiry.
With an id, show that job.

Examples:
  secwheel-cli events
  secwheel-cli events -o json | jq '.[].id'
  secwheel-cli events 0b6c4f0e-6a0e-4f7e-9d55-2f2b5c1c1a11`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	if len(args) == 1 {
		event, err := client.GetEvent(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatEvent(event)
	}

	events, err := client.ListEvents(ctx)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatEvents(events)
}

// =============================================================================
// FIRED
// =============================================================================

var firedLimit int

var firedCmd = &cobra.Command{
	Use:   "fired",
	Short: "Show recently fired jobs",
	Long: `Show the daemon's fired history, newest first.

A nonzero status means the job's webhook could not be queued.

Examples:
  secwheel-cli fired
  secwheel-cli fired --limit 5 -o yaml`,
	Args: cobra.NoArgs,
	RunE: runFired,
}

func init() {
	firedCmd.Flags().IntVarP(&firedLimit, "limit", "n", 20, "Maximum records to show")
}

func runFired(cmd *cobra.Command, args []string) error {
	if firedLimit < 0 {
		return handleError(errors.New("--limit must not be negative"))
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()

	records, err := client.Fired(ctx, firedLimit)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatFired(records)
}

// =============================================================================
// HELPERS
// =============================================================================

// parseDuration accepts a Go duration ("90s") or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
