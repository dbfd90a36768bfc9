package main

import (
	"fmt"
	"os"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func paint(color, text string) string {
	if noColor {
		return text
	}
	return color + text + ansiReset
}

// printTag writes a glyph-prefixed line to stderr so command output on
// stdout stays machine-readable.
func printTag(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, paint(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printTag(ansiGreen, "✓", format, args...) }

func printError(format string, args ...any) { printTag(ansiRed, "✗", format, args...) }

func printWarning(format string, args ...any) { printTag(ansiYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { printTag(ansiCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
