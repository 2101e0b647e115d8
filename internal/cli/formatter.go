// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML
// =============================================================================
//
//   $ secwheel-cli events
//   ID                                    OWNER  EXPIRY      DUE             CRON
//   0b6c...                               alice  1760000000  2 minutes from now  -
//
//   $ secwheel-cli events -o json | jq '.[].id'
//
// Tables are for humans; json and yaml are for scripts.
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter renders CLI results.
type Formatter struct {
	format OutputFormat
	writer io.Writer

	// now anchors relative times ("2 minutes from now").
	now func() time.Time
}

// NewFormatter creates a formatter writing to stdout.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{format: format, writer: os.Stdout, now: time.Now}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// structured writes data as json or yaml and reports whether it did.
func (f *Formatter) structured(data interface{}) (bool, error) {
	switch f.format {
	case OutputJSON:
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case OutputYAML:
		enc := yaml.NewEncoder(f.writer)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(data)
	}
	return false, nil
}

// TableWriter wraps tabwriter with upper-cased headers.
type TableWriter struct {
	tw *tabwriter.Writer
}

// Table starts a table with the given headers.
func (f *Formatter) Table(headers ...string) *TableWriter {
	t := &TableWriter{tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)}
	if len(headers) > 0 {
		upper := make([]string, len(headers))
		for i, h := range headers {
			upper[i] = strings.ToUpper(h)
		}
		fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
	}
	return t
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// DATA TYPE FORMATTERS
// =============================================================================

// FormatEvents renders pending jobs.
func (f *Formatter) FormatEvents(events []Event) error {
	if ok, err := f.structured(events); ok {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(f.writer, "No pending events")
		return nil
	}

	table := f.Table("id", "owner", "arg", "expiry", "due", "cron", "fires")
	for _, e := range events {
		table.WriteRow(e.ID, e.Owner, dash(e.Arg), e.Expiry, f.relative(e.Expiry), dash(e.Cron), e.Fires)
	}
	return table.Flush()
}

// FormatEvent renders a single job as key/value lines.
func (f *Formatter) FormatEvent(e *Event) error {
	if ok, err := f.structured(e); ok {
		return err
	}
	fmt.Fprintf(f.writer, "ID:       %s\n", e.ID)
	fmt.Fprintf(f.writer, "Owner:    %s\n", e.Owner)
	fmt.Fprintf(f.writer, "Arg:      %s\n", dash(e.Arg))
	fmt.Fprintf(f.writer, "Expiry:   %d (%s)\n", e.Expiry, f.relative(e.Expiry))
	if e.Cron != "" {
		fmt.Fprintf(f.writer, "Cron:     %s\n", e.Cron)
	}
	if e.Webhook != "" {
		fmt.Fprintf(f.writer, "Webhook:  %s\n", e.Webhook)
	}
	fmt.Fprintf(f.writer, "Fires:    %d\n", e.Fires)
	return nil
}

// FormatFired renders the fired history.
func (f *Formatter) FormatFired(records []FiredEvent) error {
	if ok, err := f.structured(records); ok {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(f.writer, "No fired events")
		return nil
	}

	table := f.Table("job", "owner", "arg", "expiry", "fired", "lateness", "status")
	for _, r := range records {
		table.WriteRow(r.JobID, r.Owner, dash(r.Arg), r.Expiry,
			humanize.RelTime(r.FiredAt, f.now(), "ago", "from now"),
			r.Lateness.Round(time.Millisecond), r.Status)
	}
	return table.Flush()
}

// FormatStats renders daemon statistics.
func (f *Formatter) FormatStats(s *Stats) error {
	if ok, err := f.structured(s); ok {
		return err
	}
	w := s.Wheel
	fmt.Fprintf(f.writer, "Uptime:             %s\n", s.Uptime)
	fmt.Fprintf(f.writer, "Slots:              %d (cursor %d)\n", w.Slots, w.Cursor)
	fmt.Fprintf(f.writer, "Tracked second:     %d\n", w.TrackedSecond)
	fmt.Fprintf(f.writer, "Lag:                %ds\n", w.Lag)
	fmt.Fprintf(f.writer, "Pending:            %s\n", humanize.Comma(int64(w.Pending)))
	fmt.Fprintf(f.writer, "Scheduled:          %s\n", humanize.Comma(int64(w.Scheduled)))
	fmt.Fprintf(f.writer, "Fired:              %s\n", humanize.Comma(int64(w.Fired)))
	fmt.Fprintf(f.writer, "Cancelled:          %s\n", humanize.Comma(int64(w.Cancelled)))
	fmt.Fprintf(f.writer, "Callback failures:  %s\n", humanize.Comma(int64(w.CallbackFailures)))
	fmt.Fprintf(f.writer, "Callback panics:    %s\n", humanize.Comma(int64(w.CallbackPanics)))
	fmt.Fprintf(f.writer, "Active jobs:        %d (%d recurring)\n", s.ActiveJobs, s.RecurringJobs)
	fmt.Fprintf(f.writer, "Webhooks:           %d delivered, %d failed, %d dropped\n",
		s.WebhooksDelivered, s.WebhooksFailed, s.WebhooksDropped)
	return nil
}

// FormatHealth renders a health response.
func (f *Formatter) FormatHealth(h *HealthResponse) error {
	if ok, err := f.structured(h); ok {
		return err
	}
	fmt.Fprintf(f.writer, "Status:    %s\n", h.Status)
	fmt.Fprintf(f.writer, "Timestamp: %s\n", h.Timestamp)
	return nil
}

// FormatKeys renders API keys.
func (f *Formatter) FormatKeys(keys []APIKey) error {
	if ok, err := f.structured(keys); ok {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(f.writer, "No API keys")
		return nil
	}

	table := f.Table("id", "name", "prefix", "roles", "owners", "expires", "revoked")
	for _, k := range keys {
		expires := "never"
		if !k.ExpiresAt.IsZero() {
			expires = humanize.RelTime(k.ExpiresAt, f.now(), "ago", "from now")
		}
		table.WriteRow(k.ID, k.Name, k.Prefix, strings.Join(k.Roles, ","),
			dash(strings.Join(k.Owners, ",")), expires, k.Revoked)
	}
	return table.Flush()
}

// FormatCreatedKey renders a generated key. The raw key is shown once.
func (f *Formatter) FormatCreatedKey(k *CreatedKey) error {
	if ok, err := f.structured(k); ok {
		return err
	}
	fmt.Fprintf(f.writer, "ID:     %s\n", k.APIKey.ID)
	fmt.Fprintf(f.writer, "Name:   %s\n", k.APIKey.Name)
	fmt.Fprintf(f.writer, "Roles:  %s\n", strings.Join(k.APIKey.Roles, ","))
	fmt.Fprintf(f.writer, "Key:    %s\n", k.Key)
	fmt.Fprintln(f.writer, "Store the key now; it cannot be shown again.")
	return nil
}

// FormatValue renders any value; tables fall back to fmt's %v.
func (f *Formatter) FormatValue(v interface{}) error {
	if ok, err := f.structured(v); ok {
		return err
	}
	_, err := fmt.Fprintf(f.writer, "%v\n", v)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (f *Formatter) relative(unix int64) string {
	return humanize.RelTime(time.Unix(unix, 0), f.now(), "ago", "from now")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// Success prints a confirmation line. Structured formats stay silent so
// their output remains machine-readable.
func (f *Formatter) Success(format string, args ...interface{}) {
	if f.format != OutputTable {
		return
	}
	fmt.Fprintf(f.writer, "✓ "+format+"\n", args...)
}

// FormatVersion renders client and server version information.
func (f *Formatter) FormatVersion(v *VersionInfo) error {
	if ok, err := f.structured(v); ok {
		return err
	}
	fmt.Fprintf(f.writer, "Client Version: %s\n", v.ClientVersion)
	if v.ServerStatus != "" {
		fmt.Fprintf(f.writer, "Server:         %s (%s)\n", v.Server, v.ServerStatus)
	} else {
		fmt.Fprintf(f.writer, "Server:         %s (unreachable)\n", v.Server)
	}
	return nil
}
