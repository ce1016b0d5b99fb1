// Package format renders command output for a terminal: pretty-printed
// JSON (syntax-highlighted on a TTY) for DLQ item data and event
// payloads, and markdown rendering for Claude transcript excerpts.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

const (
	// maxJSONSize caps how much item/payload JSON a show command will
	// render (10MB).
	maxJSONSize = 10 * 1024 * 1024

	// maxMarkdownSize caps transcript excerpts handed to glamour (5MB).
	maxMarkdownSize = 5 * 1024 * 1024
)

// ansiEscapeRegex matches ANSI escape sequences for sanitization.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeANSI removes ANSI escape sequences from a string.
func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// JSON pretty-prints a JSON document with 2-space indentation and, on a
// TTY, applies syntax highlighting. Invalid JSON is an error: DLQ item
// data and event payloads are written by this tool, so a parse failure
// indicates corruption worth surfacing, not content to pass through.
func JSON(content []byte, isTTY bool) (string, error) {
	if len(content) > maxJSONSize {
		return "", fmt.Errorf("JSON output (%d bytes) exceeds maximum (%d bytes)", len(content), maxJSONSize)
	}

	var obj interface{}
	if err := json.Unmarshal(content, &obj); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	formatted, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}

	if !isTTY {
		return string(formatted), nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, string(formatted), "json", "terminal256", "monokai"); err != nil {
		return string(formatted), nil
	}
	return buf.String(), nil
}

// Markdown renders markdown with ANSI formatting if stdout is a TTY.
// Falls back to plain text if glamour fails or stdout is not a TTY.
func Markdown(content string, isTTY bool) (string, error) {
	if len(content) > maxMarkdownSize {
		return "", fmt.Errorf("markdown output (%d bytes) exceeds maximum (%d bytes)", len(content), maxMarkdownSize)
	}

	if !isTTY {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content, nil
	}

	rendered, err := renderer.Render(sanitizeANSI(content))
	if err != nil {
		return content, nil
	}

	return rendered, nil
}
