// Package output renders runs and run listings for the terminal. It
// supports text, JSON, and table formats.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/store"
)

// Format represents an output format type.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatTable Format = "table"
)

// ParseFormat converts a string to a Format, defaulting to text.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "table":
		return FormatTable
	default:
		return FormatText
	}
}

// Writer handles writing formatted output.
type Writer struct {
	w      io.Writer
	format Format
	color  bool
}

// New creates a new output Writer. Color is decided once from mode and w.
func New(w io.Writer, format Format, mode ColorMode) *Writer {
	return &Writer{w: w, format: format, color: shouldColorize(mode, w)}
}

// WriteJSON outputs any value as indented JSON.
func (wr *Writer) WriteJSON(v interface{}) error {
	enc := json.NewEncoder(wr.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRun outputs one run: a header, its attempt trace and its output.
func (wr *Writer) WriteRun(run *chain.Run) error {
	switch wr.format {
	case FormatJSON:
		return wr.WriteJSON(run)
	case FormatTable:
		wr.writeHeader(run)
		return wr.writeTraceTable(run.Trace.Attempts())
	default:
		wr.writeHeader(run)
		wr.writeTraceText(run.Trace.Attempts())
		if run.Output != "" {
			fmt.Fprintln(wr.w, "\nOutput:")
			fmt.Fprintln(wr.w, run.Output)
		}
		return nil
	}
}

// WriteTrace outputs only the attempt history, e.g. after a failure.
func (wr *Writer) WriteTrace(attempts []chain.Attempt) error {
	switch wr.format {
	case FormatJSON:
		return wr.WriteJSON(attempts)
	case FormatTable:
		return wr.writeTraceTable(attempts)
	default:
		wr.writeTraceText(attempts)
		return nil
	}
}

// WriteSummaries outputs a run listing.
func (wr *Writer) WriteSummaries(runs []store.Summary) error {
	switch wr.format {
	case FormatJSON:
		return wr.WriteJSON(runs)
	case FormatTable:
		return wr.writeSummaryTable(runs)
	default:
		for _, r := range runs {
			status := wr.status(r.Status)
			fmt.Fprintf(wr.w, "%s  %s  %-8s %s  %s\n", r.ID, r.StartedAt.Format(time.DateTime), r.Pattern, status, r.Pipeline)
		}
		return nil
	}
}

func (wr *Writer) writeHeader(run *chain.Run) {
	name := run.Pattern
	if run.Pipeline != "" {
		name = run.Pipeline + " (" + run.Pattern + ")"
	}
	fmt.Fprintf(wr.w, "Run %s: %s %s in %s\n", run.ID, name, wr.status(run.Status), formatDuration(run.Duration()))
	if run.Truncated {
		fmt.Fprintln(wr.w, "Stopped at the iteration limit.")
	}
	if run.Error != "" {
		fmt.Fprintf(wr.w, "Error: %s\n", run.Error)
	}
}

func (wr *Writer) writeTraceText(attempts []chain.Attempt) {
	fmt.Fprintf(wr.w, "Attempts (%d):\n", len(attempts))
	for i, a := range attempts {
		mark := wr.mark(a.Success)
		line := fmt.Sprintf("  %d. %s %s via %s (%s)", i+1, mark, a.Step, a.Model, formatDuration(a.Duration))
		if a.Error != "" {
			line += ": " + truncate(a.Error, 120)
		}
		fmt.Fprintln(wr.w, line)
	}
}

func (wr *Writer) writeTraceTable(attempts []chain.Attempt) error {
	tw := tabwriter.NewWriter(wr.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tMODEL\tRESULT\tDURATION\tERROR")
	fmt.Fprintln(tw, "-\t----\t-----\t------\t--------\t-----")

	for i, a := range attempts {
		result := "ok"
		if !a.Success {
			result = "failed"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, a.Step, a.Model, result, formatDuration(a.Duration), truncate(a.Error, 60))
	}

	return tw.Flush()
}

func (wr *Writer) writeSummaryTable(runs []store.Summary) error {
	tw := tabwriter.NewWriter(wr.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tPIPELINE\tPATTERN\tSTATUS\tATTEMPTS\tDURATION")
	fmt.Fprintln(tw, "--\t-------\t--------\t-------\t------\t--------\t--------")

	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Pipeline, r.Pattern, r.Status, r.Attempts, formatDuration(r.Duration))
	}

	return tw.Flush()
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
