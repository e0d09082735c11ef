package output

import (
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/bimmerbailey/strand/internal/chain"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

// ColorMode determines when to use colored output.
type ColorMode int

const (
	ColorAuto   ColorMode = iota // Auto-detect based on TTY
	ColorAlways                  // Always use colors
	ColorNever                   // Never use colors
)

// ParseColorMode converts "auto", "always" or "never", defaulting to auto.
func ParseColorMode(s string) ColorMode {
	switch strings.ToLower(s) {
	case "always":
		return ColorAlways
	case "never":
		return ColorNever
	default:
		return ColorAuto
	}
}

// IsTerminal checks if the given file is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// shouldColorize determines if output should be colorized based on mode and TTY detection.
func shouldColorize(mode ColorMode, w interface{}) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	case ColorAuto:
		// Check if writer is a file and if it's a terminal
		if f, ok := w.(*os.File); ok {
			return IsTerminal(f)
		}
		return false
	}
	return false
}

// ColorizeStatus colors text by run status.
func ColorizeStatus(status chain.Status, text string) string {
	switch status {
	case chain.StatusSucceeded:
		return colorGreen + text + colorReset
	case chain.StatusFailed:
		return colorBold + colorRed + text + colorReset
	case chain.StatusRunning:
		return colorYellow + text + colorReset
	default:
		return text
	}
}

func (wr *Writer) status(s chain.Status) string {
	if wr.color {
		return ColorizeStatus(s, string(s))
	}
	return string(s)
}

func (wr *Writer) mark(success bool) string {
	switch {
	case success && wr.color:
		return colorGreen + "ok" + colorReset
	case success:
		return "ok"
	case wr.color:
		return colorRed + "failed" + colorReset
	default:
		return "failed"
	}
}
