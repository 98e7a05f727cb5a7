package core

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/termscript/schema"
)

func TestHostAuditLogRunCommand(t *testing.T) {
	capture := newLogCapture(t)
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	spawner := &fakeSpawner{}
	term := newFakeTerminal()
	def := shellDef(t, "auditor", commandScript(
		`{"type":"run_command","command":"notify-send \"Build done\""}`,
		`{"type":"write_text","text":"ls -la"}`,
	))
	def.AllowRunCommand = true
	def.AllowWriteText = true

	h := newTestHost(t, HostDeps{Spawner: spawner, Terminal: term, Logger: logger}, def)
	tickUntil(t, h, "audited commands", func(total TickStats) bool {
		return total.Commands == 2
	})

	entries := capture.Entries()
	if !hasAuditCommand(entries, "run_command", "notify-send Build done") {
		t.Fatalf("expected audit log for run_command, got %d entries", len(entries))
	}
	if !hasAuditCommand(entries, "write_text", "ls -la") {
		t.Fatalf("expected audit log for write_text, got %d entries", len(entries))
	}
}

func TestHostAuditLogDisabled(t *testing.T) {
	capture := newLogCapture(t)
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	spawner := &fakeSpawner{}
	def := shellDef(t, "quiet", commandScript(`{"type":"run_command","command":"notify-send hi"}`))
	def.AllowRunCommand = true

	h, err := NewHost(HostConfig{DisableAuditLogging: true}, HostDeps{
		Spawner:  spawner,
		Terminal: newFakeTerminal(),
		Source:   StaticSource{def},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tickUntil(t, h, "spawn", func(total TickStats) bool {
		return total.Commands == 1
	})
	if len(spawner.Calls()) != 1 {
		t.Fatalf("expected one spawn, got %v", spawner.Calls())
	}
	for _, entry := range capture.Entries() {
		if entry.Message == "audit command" {
			t.Fatalf("unexpected audit entry: %s", entry.Raw)
		}
	}
}

func TestHostAuditSkipsRejectedCommands(t *testing.T) {
	capture := newLogCapture(t)
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	term := newFakeTerminal()
	def := shellDef(t, "blocked", commandScript(`{"type":"write_text","text":"rm -rf /"}`))

	h := newTestHost(t, HostDeps{Terminal: term, Logger: logger}, def)
	tickUntil(t, h, "rejection", func(total TickStats) bool {
		return total.Rejected == 1
	})
	if len(term.Written()) != 0 {
		t.Fatalf("expected nothing written, got %v", term.Written())
	}
	if hasAuditCommand(capture.Entries(), "write_text", "rm -rf /") {
		t.Fatalf("rejected command must not be audited")
	}
}

type logEntry struct {
	Level   string
	Message string
	Fields  map[string]any
	Raw     string
}

type logCapture struct {
	t     *testing.T
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func newLogCapture(t *testing.T) *logCapture {
	t.Helper()
	return &logCapture{t: t}
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.buf.Write(p)
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		c.lines = append(c.lines, string(data[:idx]))
		c.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (c *logCapture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() > 0 {
		c.lines = append(c.lines, c.buf.String())
		c.buf.Reset()
	}
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *logCapture) Entries() []logEntry {
	lines := c.Lines()
	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseLogEntry(line))
	}
	return entries
}

func parseLogEntry(line string) logEntry {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return logEntry{Raw: line}
	}
	level := ""
	if value, ok := payload["level"].(string); ok {
		level = value
	} else if value, ok := payload["lvl"].(string); ok {
		level = value
	}
	message := ""
	if value, ok := payload["message"].(string); ok {
		message = value
	} else if value, ok := payload["msg"].(string); ok {
		message = value
	}
	return logEntry{Level: level, Message: message, Fields: payload, Raw: line}
}

func hasAuditCommand(entries []logEntry, commandType, command string) bool {
	for _, entry := range entries {
		if entry.Level != "debug" || entry.Message != "audit command" {
			continue
		}
		if entry.Fields == nil {
			continue
		}
		if entry.Fields["command_type"] != commandType {
			continue
		}
		if entry.Fields["command"] != command {
			continue
		}
		return true
	}
	return false
}

func TestHostWarnsOnUnknownSubscription(t *testing.T) {
	capture := newLogCapture(t)
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	def := shellDef(t, "snake", echoScript)
	def.Subscriptions = []string{"cwd_changed"}
	h := newTestHost(t, HostDeps{Logger: logger}, def)

	def.Subscriptions = []string{"BellRang", "title_changed"}
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{def}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var warned []any
	for _, entry := range capture.Entries() {
		if entry.Level == "warn" && entry.Message == "script subscription matches no built-in event kind" {
			warned = append(warned, entry.Fields["subscription"])
		}
	}
	if len(warned) != 2 || warned[0] != "cwd_changed" || warned[1] != "title_changed" {
		t.Fatalf("expected warnings for snake_case subscriptions, got %v", warned)
	}
}
