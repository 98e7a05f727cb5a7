package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

const echoScript = `#!/bin/sh
n=0
while IFS= read -r line; do
  n=$((n+1))
  printf '{"type":"log","level":"info","message":"event %d"}\n' "$n"
done
`

// mirrorScript copies every event line it receives to stderr.
const mirrorScript = `#!/bin/sh
while IFS= read -r line; do
  printf '%s\n' "$line" >&2
done
`

type fakeTerminal struct {
	mu        sync.Mutex
	nextID    terminal.ObserverID
	observers map[terminal.ObserverID]terminal.Observer
	written   []string
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{observers: make(map[terminal.ObserverID]terminal.Observer)}
}

func (f *fakeTerminal) AddObserver(observer terminal.Observer) terminal.ObserverID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.observers[f.nextID] = observer
	return f.nextID
}

func (f *fakeTerminal) RemoveObserver(id terminal.ObserverID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.observers[id]
	delete(f.observers, id)
	return ok
}

func (f *fakeTerminal) WriteText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, text)
	return nil
}

func (f *fakeTerminal) Emit(event terminal.Event) {
	f.mu.Lock()
	observers := make([]terminal.Observer, 0, len(f.observers))
	for _, observer := range f.observers {
		observers = append(observers, observer)
	}
	f.mu.Unlock()
	for _, observer := range observers {
		observer.OnTerminalEvent(event)
	}
}

func (f *fakeTerminal) Observers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeTerminal) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// testClock is a manually advanced clock for restart and rate-limit tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func shellDef(t *testing.T, name, body string) schema.ScriptDefinition {
	t.Helper()
	return schema.ScriptDefinition{
		Name:          name,
		Enabled:       true,
		ScriptPath:    writeScript(t, body),
		Interpreter:   "/bin/sh",
		AutoStart:     true,
		RestartPolicy: schema.RestartNever,
	}
}

func startScript(t *testing.T, m *Manager, def schema.ScriptDefinition) ScriptID {
	t.Helper()
	id, err := m.StartScript(context.Background(), def)
	if err != nil {
		t.Fatalf("start %s: %v", def.Name, err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func collectCommands(t *testing.T, m *Manager, id ScriptID, want int) []schema.Command {
	t.Helper()
	var out []schema.Command
	waitFor(t, "script commands", func() bool {
		out = append(out, m.ReadCommands(id)...)
		return len(out) >= want
	})
	return out
}

func collectErrors(t *testing.T, m *Manager, id ScriptID, want int) []string {
	t.Helper()
	var out []string
	waitFor(t, "script stderr", func() bool {
		out = append(out, m.ReadErrors(id)...)
		return len(out) >= want
	})
	return out
}
