package format

import (
	"os"

	"golang.org/x/term"
)

// IsTTY reports whether stdout should use terminal formatting (colors,
// markdown rendering). False when stdout is piped, NO_COLOR is set, or
// TERM is "dumb" or empty, so `dlq show | jq` and CI logs stay plain.
func IsTTY() bool {
	return isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}

	return term.IsTerminal(int(f.Fd()))
}
