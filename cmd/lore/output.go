package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/lore/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// Status lines go to stderr so stdout stays usable for data and for the
// MCP stdio transport.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printLearning renders one search hit.
func printLearning(w io.Writer, i int, l storage.Learning) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, fmt.Sprintf("%d. %s", i, l.Title)),
		colorize(colorDim, fmt.Sprintf("[%s, %s]", l.Type, l.Confidence)))
	fmt.Fprintf(w, "   %s\n", l.Learning)
	if l.Context != "" {
		fmt.Fprintf(w, "   %s %s\n", colorize(colorCyan, "context:"), l.Context)
	}
}

// printMessage renders one history entry, shortened to width runes.
func printMessage(w io.Writer, m storage.Message, width int) {
	content := strings.Join(strings.Fields(m.Content), " ")
	if r := []rune(content); width > 0 && len(r) > width {
		content = string(r[:width]) + "..."
	}
	role := colorize(colorCyan, fmt.Sprintf("%-9s", m.Role))
	fmt.Fprintf(w, "%s  %s  %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), role, content)
}
