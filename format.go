package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// Out is where command results go. Status chatter goes to stderr instead.
func (cc *CLIContext) Out() io.Writer {
	if cc.out == nil {
		return os.Stdout
	}

	return cc.out
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return nil
}

// formatTime returns a compact timestamp for display. The zero time reads
// as "never".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	t = t.Local()
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// summarizePayload renders the first few payload fields for listings.
func summarizePayload(p map[string]any, fields []string, maxLen int) string {
	parts := make([]string, 0, len(fields))

	for _, f := range fields {
		v, ok := p[f]
		if !ok || v == nil {
			continue
		}

		s := fmt.Sprint(v)
		if len(s) > maxLen {
			s = s[:maxLen-1] + "…"
		}

		parts = append(parts, f+"="+s)
	}

	return strings.Join(parts, " ")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
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
