package core

import "pkt.systems/termscript/schema"

const defaultMaxLines = schema.DefaultOutputMaxLines

// buffer stores the most recent output lines of one script.
type buffer struct {
	lines    []string
	maxLines int
}

// Append adds lines, dropping the oldest beyond the cap.
func (b *buffer) Append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	b.lines = append(b.lines, lines...)
	maxLines := b.maxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if len(b.lines) > maxLines {
		trim := len(b.lines) - maxLines
		b.lines = append([]string(nil), b.lines[trim:]...)
	}
}

// Snapshot returns a copy of the buffered lines.
func (b *buffer) Snapshot() []string {
	if b == nil || len(b.lines) == 0 {
		return nil
	}
	return append([]string(nil), b.lines...)
}

// Len returns the number of buffered lines.
func (b *buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.lines)
}

func newBufferWithMaxLines(maxLines int) *buffer {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &buffer{maxLines: maxLines}
}
