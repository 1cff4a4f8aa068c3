package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/kalambet/commander/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stdout is where command results go. Tests replace it.
var stdout io.Writer = os.Stdout

func colorize(color, text string) string {
	if noColor || !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s storage.ActionStatus) string {
	switch s {
	case storage.StatusExecuted:
		return colorGreen
	case storage.StatusError:
		return colorRed
	case storage.StatusPending:
		return colorYellow
	}
	return colorReset
}

// printActions renders actions as an aligned table.
func printActions(list []storage.ProposedAction, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No actions.")
		return
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tCONF\tSOURCE\tFROM\tCREATED")
	for _, a := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			a.ID,
			colorize(statusColor(a.Status), string(a.Status)),
			a.Type,
			a.Confidence,
			a.SourceType,
			truncate(a.Sender, 30),
			humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
		)
	}
	tw.Flush()
}

func printAction(a storage.ProposedAction) error {
	fmt.Fprintf(stdout, "%s %d  %s  %s\n", colorize(colorBold, "Action"), a.ID, a.Type, colorize(statusColor(a.Status), string(a.Status)))
	fmt.Fprintf(stdout, "  Confidence: %.2f\n", a.Confidence)
	fmt.Fprintf(stdout, "  Source:     %s %s\n", a.SourceType, a.Sender)
	if a.Summary != "" {
		fmt.Fprintf(stdout, "  Summary:    %s\n", a.Summary)
	}
	fmt.Fprintf(stdout, "  Created:    %s\n", a.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintln(stdout, "  Payload:")
	if err := printIndentedJSON(a.Payload); err != nil {
		return err
	}
	if len(a.Result) > 0 {
		fmt.Fprintln(stdout, "  Result:")
		return printIndentedJSON(a.Result)
	}
	return nil
}

func printIndentedJSON(v any) error {
	b, err := json.MarshalIndent(v, "    ", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "    %s\n", b)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
