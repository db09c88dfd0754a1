// Package report renders rounds, artifacts and sites for the fedloop CLI.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/fedloop/internal/history"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// OutputFormat specifies how list output is rendered.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated metrics
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs one JSON object per line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

// roundRow is the JSONL shape of a round record.
type roundRow struct {
	Job          string             `json:"job"`
	Round        int                `json:"round"`
	Contributors int                `json:"contributors"`
	Metrics      map[string]float64 `json:"metrics"`
	Best         bool               `json:"best"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Rounds writes records in the requested format.
func Rounds(w io.Writer, records []history.RoundRecord, job string, format OutputFormat) error {
	switch format {
	case OutputFormatDefault:
		FormatRoundsTable(w, records, job, time.Now())
		return nil
	case OutputFormatJSONL:
		return FormatRoundsJSONL(w, records)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// FormatRoundsTable writes records as a table with columns ROUND, SITES,
// BEST, AGE and METRICS. Returns the number of rows written.
func FormatRoundsTable(w io.Writer, records []history.RoundRecord, job string, now time.Time) int {
	if len(records) == 0 {
		fmt.Fprintf(w, "No rounds recorded for job '%s'\n", job)
		return 0
	}

	fmt.Fprintf(w, "Rounds for job '%s':\n\n", job)
	fmt.Fprintf(w, "%-6s %-5s %-4s %-8s %s\n", "ROUND", "SITES", "BEST", "AGE", "METRICS")
	fmt.Fprintf(w, "%-6s %-5s %-4s %-8s %s\n", "------", "-----", "----", "--------", "----------------------------------------")

	for _, r := range records {
		metrics, err := r.Metrics()
		metricsCol := formatMetrics(metrics)
		if err != nil {
			metricsCol = "<invalid>"
		}
		fmt.Fprintf(w, "%-6d %-5d %-4s %-8s %s\n",
			r.Round,
			r.Contributors,
			formatBest(r.Best),
			formatAge(r.CreatedAt, now),
			metricsCol,
		)
	}

	noun := "round"
	if len(records) != 1 {
		noun = "rounds"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(records), noun)
	return len(records)
}

// FormatRoundsJSONL writes one JSON object per record, suitable for jq.
func FormatRoundsJSONL(w io.Writer, records []history.RoundRecord) error {
	for _, r := range records {
		metrics, err := r.Metrics()
		if err != nil {
			return err
		}
		data, err := json.Marshal(roundRow{
			Job:          r.Job,
			Round:        r.Round,
			Contributors: r.Contributors,
			Metrics:      metrics,
			Best:         r.Best,
			CreatedAt:    r.CreatedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal round to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes v as pretty-printed JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatSitesTable writes registered sites with the time since their last
// heartbeat. Sites silent for longer than staleAfter are marked stale.
func FormatSitesTable(w io.Writer, sites []blackboard.Site, instanceName string, staleAfter time.Duration, now time.Time) int {
	if len(sites) == 0 {
		fmt.Fprintf(w, "No sites registered for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "%-30s %-8s %s\n", "SITE", "STATE", "LAST SEEN")
	for _, s := range sites {
		lastSeen := time.UnixMilli(s.LastSeenMs)
		state := "active"
		if staleAfter > 0 && now.Sub(lastSeen) > staleAfter {
			state = "stale"
		}
		fmt.Fprintf(w, "%-30s %-8s %s\n", s.ID, state, formatAge(lastSeen, now))
	}
	return len(sites)
}

// MetricsLine renders metrics as "k=v" pairs in key order. Empty metrics
// return "-".
func MetricsLine(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(metrics[k], 'g', 4, 64))
	}
	return strings.Join(parts, " ")
}

// formatMetrics is MetricsLine truncated to 40 characters for the table.
func formatMetrics(metrics map[string]float64) string {
	line := MetricsLine(metrics)
	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}

func formatBest(best bool) string {
	if best {
		return "*"
	}
	return "-"
}

// formatAge shows relative time like "2m ago", "1h ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
