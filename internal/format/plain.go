package format

import (
	"fmt"
	"strings"

	"pkt.systems/termscript/internal/persist"
)

const (
	// OutputMarker prefixes recorded script output lines.
	OutputMarker = "  | "
	// PanelMarker prefixes panel content lines.
	PanelMarker = "  > "
)

// PlainRenderer formats script status as plain text lines.
type PlainRenderer struct {
	// Tail limits the output lines shown per script. Zero shows all.
	Tail int
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{Tail: 10}
}

// FormatSnapshot converts a session snapshot into user-facing lines.
func (p *PlainRenderer) FormatSnapshot(snapshot persist.SessionSnapshot) []string {
	lines := []string{}
	if !snapshot.SavedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("saved %s", snapshot.SavedAt.Format("2006-01-02 15:04:05Z07:00")))
	}
	if len(snapshot.Scripts) == 0 {
		return append(lines, "no scripts configured")
	}
	for _, script := range snapshot.Scripts {
		lines = append(lines, p.FormatScript(script)...)
	}
	return lines
}

// FormatScript renders one script: a header, its last error, panel and
// output tail.
func (p *PlainRenderer) FormatScript(script persist.ScriptSnapshot) []string {
	lines := []string{formatHeader(script)}
	if script.LastError != "" {
		lines = append(lines, markLines("  error: ", splitLines(script.LastError))...)
	}
	if script.Panel != nil {
		title := strings.TrimSpace(script.Panel.Title)
		if title == "" {
			title = "panel"
		}
		lines = append(lines, fmt.Sprintf("  panel: %s", title))
		lines = append(lines, markLines(PanelMarker, splitLines(script.Panel.Content))...)
	}
	output := script.Output
	if p != nil && p.Tail > 0 && len(output) > p.Tail {
		lines = append(lines, fmt.Sprintf("  (%d earlier lines)", len(output)-p.Tail))
		output = output[len(output)-p.Tail:]
	}
	return append(lines, markLines(OutputMarker, output)...)
}

func formatHeader(script persist.ScriptSnapshot) string {
	state := script.State
	if state == "" {
		state = "not_started"
	}
	if !script.Enabled {
		state = "disabled"
	}
	header := fmt.Sprintf("%s [%s]", script.Name, state)
	if script.ID != 0 {
		header += fmt.Sprintf(" id=%d", script.ID)
	}
	if script.Restarts > 0 {
		header += fmt.Sprintf(" restarts=%d", script.Restarts)
	}
	return header
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
