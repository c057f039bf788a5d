package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tonimelisma/opsdash/internal/jobs"
	"github.com/tonimelisma/opsdash/internal/stream"
)

// statusf prints a status message to w unless quiet mode is set.
func statusf(w io.Writer, quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
// Method form of statusf, avoids threading `quiet bool` through call chains.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Err, cc.Flags.Quiet, format, args...)
}

// printer formats counts with digit grouping ("12,345").
var printer = message.NewPrinter(language.English)

// formatCount renders an optional counter; nil prints as "-".
func formatCount(n *int64) string {
	if n == nil {
		return "-"
	}

	return printer.Sprintf("%d", *n)
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// progressBarWidth is the number of cells in the progress bar.
const progressBarWidth = 30

// formatProgress renders one line summarizing a job projection, e.g.
// "[#########.....]  42.0%  running  rows 1,200/10,000".
func formatProgress(s jobs.State) string {
	pct := math.Max(0, math.Min(100, s.Progress))
	filled := int(math.Round(pct / 100 * progressBarWidth))

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(strings.Repeat("#", filled))
	b.WriteString(strings.Repeat(".", progressBarWidth-filled))
	b.WriteString(printer.Sprintf("] %5.1f%%  %s", s.Progress, s.Status))

	if len(s.Events) > 0 {
		ev := s.Events[0]
		if ev.BatchRows != nil && ev.TotalRows != nil {
			b.WriteString(printer.Sprintf("  rows %d/%d", *ev.BatchRows, *ev.TotalRows))
		}
	}

	return b.String()
}

// formatEvent renders one stream event as a log line.
func formatEvent(ev stream.Event) string {
	var b strings.Builder
	if ev.Timestamp != "" {
		b.WriteString(ev.Timestamp)
		b.WriteByte(' ')
	}

	b.WriteString(ev.Type)

	if ev.Progress != nil {
		b.WriteString(printer.Sprintf(" %.1f%%", *ev.Progress))
	}

	switch {
	case ev.Error != "":
		b.WriteString(": " + ev.Error)
	case ev.Message != "":
		b.WriteString(": " + ev.Message)
	}

	return b.String()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
