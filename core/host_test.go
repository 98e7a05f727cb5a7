package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

type fakeSpawner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeSpawner) Spawn(_ context.Context, argv []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), argv...))
	return nil
}

func (f *fakeSpawner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type fakeSession struct {
	mu        sync.Mutex
	badge     string
	variables map[string]string
}

func (f *fakeSession) SetBadge(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badge = text
}

func (f *fakeSession) SetVariable(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.variables == nil {
		f.variables = make(map[string]string)
	}
	f.variables[name] = value
}

func (f *fakeSession) Badge() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.badge
}

func (f *fakeSession) Variable(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.variables[name]
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Notify(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeNotifier) Titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

type fakeApplier struct {
	mu      sync.Mutex
	applied map[string]any
}

func (f *fakeApplier) ApplyConfig(key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = make(map[string]any)
	}
	f.applied[key] = value
	return nil
}

func (f *fakeApplier) Applied(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.applied[key]
	return value, ok
}

// commandScript prints the given command lines and then waits for stdin to close.
func commandScript(lines ...string) string {
	return "#!/bin/sh\ncat <<'EOF'\n" + strings.Join(lines, "\n") + "\nEOF\nread line\n"
}

func newTestHost(t *testing.T, deps HostDeps, defs ...schema.ScriptDefinition) *Host {
	t.Helper()
	deps.Source = StaticSource(defs)
	h, err := NewHost(HostConfig{}, deps)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	return h
}

func statusFor(t *testing.T, h *Host, name string) ScriptStatus {
	t.Helper()
	for _, status := range h.Status() {
		if status.Name == name {
			return status
		}
	}
	t.Fatalf("no status for %s", name)
	return ScriptStatus{}
}

// tickUntil ticks the host until cond holds for the accumulated stats.
func tickUntil(t *testing.T, h *Host, what string, cond func(total TickStats) bool) TickStats {
	t.Helper()
	var total TickStats
	waitFor(t, what, func() bool {
		stats := h.Tick(context.Background())
		total.Events += stats.Events
		total.Commands += stats.Commands
		total.Rejected += stats.Rejected
		total.Exited += stats.Exited
		total.Restarted += stats.Restarted
		return cond(total)
	})
	return total
}

func TestHostBellProducesLogOutput(t *testing.T) {
	term := newFakeTerminal()
	def := shellDef(t, "echo", echoScript)
	def.Subscriptions = []string{"BellRang"}
	h := newTestHost(t, HostDeps{Terminal: term}, def)

	for i := 0; i < 3; i++ {
		term.Emit(terminal.Bell{})
	}
	stats := tickUntil(t, h, "log output", func(TickStats) bool {
		return len(statusFor(t, h, "echo").Output) == 3
	})
	if stats.Events != 3 || stats.Commands != 3 {
		t.Fatalf("expected 3 events and 3 commands, got %+v", stats)
	}
	status := statusFor(t, h, "echo")
	want := []string{"[info] event 1", "[info] event 2", "[info] event 3"}
	for i := range want {
		if status.Output[i] != want[i] {
			t.Fatalf("output[%d]: expected %q, got %q", i, want[i], status.Output[i])
		}
	}
	if !status.Running || status.State != StateRunning || status.ID == 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHostLogLevels(t *testing.T) {
	def := shellDef(t, "levels", commandScript(
		`{"type":"log","level":"error","message":"boom"}`,
		`{"type":"log","level":"debug","message":"detail"}`,
	))
	h := newTestHost(t, HostDeps{}, def)
	tickUntil(t, h, "log output", func(TickStats) bool {
		return len(statusFor(t, h, "levels").Output) == 2
	})
	output := statusFor(t, h, "levels").Output
	if output[0] != "[error] boom" || output[1] != "[debug] detail" {
		t.Fatalf("unexpected output %v", output)
	}
}

func TestHostWriteTextRequiresPermission(t *testing.T) {
	line := `{"type":"write_text","text":"\u001b[31mls -la\u001b[0m"}`
	denied := shellDef(t, "denied", commandScript(line))
	allowed := shellDef(t, "allowed", commandScript(line))
	allowed.AllowWriteText = true
	term := newFakeTerminal()
	h := newTestHost(t, HostDeps{Terminal: term}, denied, allowed)

	stats := tickUntil(t, h, "write text", func(total TickStats) bool {
		return total.Commands == 2
	})
	if stats.Rejected != 1 {
		t.Fatalf("expected one rejection, got %+v", stats)
	}
	written := term.Written()
	if len(written) != 1 || written[0] != "ls -la" {
		t.Fatalf("expected one sanitized write, got %q", written)
	}
}

func TestHostWriteTextRateLimited(t *testing.T) {
	clock := newTestClock()
	term := newFakeTerminal()
	manager := NewManager(ManagerDeps{Terminal: term, Now: clock.Now})
	line := `{"type":"write_text","text":"x"}`
	def := shellDef(t, "burst", commandScript(line, line, line))
	def.AllowWriteText = true
	def.WriteTextRateLimit = 1
	h := newTestHost(t, HostDeps{Manager: manager, Terminal: term}, def)

	stats := tickUntil(t, h, "three writes", func(total TickStats) bool {
		return total.Commands == 3
	})
	if stats.Rejected != 2 || len(term.Written()) != 1 {
		t.Fatalf("expected 1 write and 2 rejections, got %+v written=%v", stats, term.Written())
	}
}

func TestHostRunCommandDenylistAndPermission(t *testing.T) {
	spawner := &fakeSpawner{}
	allowed := shellDef(t, "runner", commandScript(
		`{"type":"run_command","command":"rm -rf /"}`,
		`{"type":"run_command","command":"notify-send \"Build done\""}`,
		`{"type":"run_command","command":"shutdown now"}`,
	))
	allowed.AllowRunCommand = true
	denied := shellDef(t, "nope", commandScript(`{"type":"run_command","command":"echo hi"}`))
	deps := HostDeps{Spawner: spawner, Source: StaticSource{allowed, denied}}
	h, err := NewHost(HostConfig{CommandDenylist: []string{"shutdown"}}, deps)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stats := tickUntil(t, h, "run commands", func(total TickStats) bool {
		return total.Commands == 4
	})
	if stats.Rejected != 3 {
		t.Fatalf("expected 3 rejections, got %+v", stats)
	}
	calls := spawner.Calls()
	if len(calls) != 1 || len(calls[0]) != 2 || calls[0][0] != "notify-send" || calls[0][1] != "Build done" {
		t.Fatalf("unexpected spawns: %v", calls)
	}
}

func TestHostChangeConfig(t *testing.T) {
	applier := &fakeApplier{}
	allowed := shellDef(t, "config", commandScript(
		`{"type":"change_config","key":"font_size","value":100}`,
		`{"type":"change_config","key":"shell","value":"/bin/zsh"}`,
		`{"type":"change_config","key":"cursor_blink","value":"yes"}`,
	))
	allowed.AllowChangeConfig = true
	denied := shellDef(t, "locked", commandScript(`{"type":"change_config","key":"window_opacity","value":0.5}`))
	h := newTestHost(t, HostDeps{Config: applier}, allowed, denied)

	stats := tickUntil(t, h, "config commands", func(total TickStats) bool {
		return total.Commands == 4
	})
	if stats.Rejected != 3 {
		t.Fatalf("expected 3 rejections, got %+v", stats)
	}
	value, ok := applier.Applied("font_size")
	if !ok || value != 72.0 {
		t.Fatalf("expected clamped font_size 72, got %v (%v)", value, ok)
	}
	if _, ok := applier.Applied("window_opacity"); ok {
		t.Fatalf("script without permission changed config")
	}
}

func TestHostPassThroughCommands(t *testing.T) {
	notifier := &fakeNotifier{}
	session := &fakeSession{}
	def := shellDef(t, "passthrough", commandScript(
		`{"type":"notify","title":"Build","body":"done"}`,
		`{"type":"set_badge","text":"ok"}`,
		`{"type":"set_variable","name":"build","value":"green"}`,
	))
	h := newTestHost(t, HostDeps{Notifier: notifier, Session: session}, def)

	stats := tickUntil(t, h, "pass-through commands", func(total TickStats) bool {
		return total.Commands == 3
	})
	if stats.Rejected != 0 {
		t.Fatalf("expected no rejections, got %+v", stats)
	}
	if titles := notifier.Titles(); len(titles) != 1 || titles[0] != "Build" {
		t.Fatalf("unexpected notifications %v", titles)
	}
	if session.Badge() != "ok" || session.Variable("build") != "green" {
		t.Fatalf("unexpected session state badge=%q build=%q", session.Badge(), session.Variable("build"))
	}
}

func TestHostMissingCapabilitiesAreNoOps(t *testing.T) {
	def := shellDef(t, "bare", commandScript(
		`{"type":"notify","title":"Build","body":"done"}`,
		`{"type":"set_badge","text":"ok"}`,
		`{"type":"log","level":"info","message":"still here"}`,
	))
	h := newTestHost(t, HostDeps{}, def)
	tickUntil(t, h, "commands", func(total TickStats) bool {
		return total.Commands == 3
	})
	status := statusFor(t, h, "bare")
	if len(status.Output) != 1 || status.Output[0] != "[info] still here" {
		t.Fatalf("unexpected output %v", status.Output)
	}
}

func TestHostPanels(t *testing.T) {
	def := shellDef(t, "panel", commandScript(`{"type":"set_panel","title":"CI","content":"3 jobs"}`))
	h := newTestHost(t, HostDeps{}, def)
	tickUntil(t, h, "panel", func(TickStats) bool {
		return statusFor(t, h, "panel").Panel != nil
	})
	panel := statusFor(t, h, "panel").Panel
	if panel.Title != "CI" || panel.Content != "3 jobs" {
		t.Fatalf("unexpected panel %+v", panel)
	}
	if err := h.StopScript("panel"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	status := statusFor(t, h, "panel")
	if status.Panel != nil || status.State != StateStopped || status.Running {
		t.Fatalf("expected stopped script without panel, got %+v", status)
	}
}

func TestHostStderrBecomesLastError(t *testing.T) {
	def := shellDef(t, "noisy", "#!/bin/sh\necho first >&2\necho second >&2\nread line\n")
	h := newTestHost(t, HostDeps{}, def)
	tickUntil(t, h, "stderr", func(TickStats) bool {
		return strings.HasSuffix(statusFor(t, h, "noisy").LastError, "second")
	})
	if status := statusFor(t, h, "noisy"); !status.Running {
		t.Fatalf("stderr output must not stop the script, got %+v", status)
	}
}

func TestHostStartScriptErrors(t *testing.T) {
	disabled := shellDef(t, "disabled", echoScript)
	disabled.Enabled = false
	manual := shellDef(t, "manual", echoScript)
	manual.AutoStart = false
	h := newTestHost(t, HostDeps{}, disabled, manual)

	if _, err := h.StartScript(context.Background(), "disabled"); !errors.Is(err, ErrScriptDisabled) {
		t.Fatalf("expected ErrScriptDisabled, got %v", err)
	}
	if _, err := h.StartScript(context.Background(), "ghost"); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("expected ErrScriptNotFound, got %v", err)
	}
	if err := h.StopScript("ghost"); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("expected ErrScriptNotFound on stop, got %v", err)
	}

	statuses := h.Status()
	if len(statuses) != 2 || statuses[0].Name != "disabled" || statuses[1].Name != "manual" {
		t.Fatalf("expected statuses in config order, got %+v", statuses)
	}
	for _, status := range statuses {
		if status.State != StateNotStarted || status.Running {
			t.Fatalf("expected %s not started, got %+v", status.Name, status)
		}
	}

	id, err := h.StartScript(context.Background(), "manual")
	if err != nil {
		t.Fatalf("start manual: %v", err)
	}
	again, err := h.StartScript(context.Background(), "manual")
	if err != nil || again != id {
		t.Fatalf("expected running script to keep id %d, got %d (%v)", id, again, err)
	}
	if h.Manager().Len() != 1 {
		t.Fatalf("expected one instance, got %d", h.Manager().Len())
	}
}

func TestHostStartRecordsSpawnFailure(t *testing.T) {
	def := schema.ScriptDefinition{Name: "broken", Enabled: true, AutoStart: true, ScriptPath: "/nonexistent/termscript-test"}
	h, err := NewHost(HostConfig{}, HostDeps{Source: StaticSource{def}})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := h.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	status := statusFor(t, h, "broken")
	if status.State != StateStopped || status.LastError == "" || status.ID != 0 {
		t.Fatalf("expected recorded failure, got %+v", status)
	}
}

func TestHostRejectsInvalidDefinitions(t *testing.T) {
	defs := StaticSource{
		{Name: "dup", Enabled: true, ScriptPath: "/bin/true"},
		{Name: "dup", Enabled: true, ScriptPath: "/bin/true"},
	}
	if _, err := NewHost(HostConfig{}, HostDeps{Source: defs}); !errors.Is(err, schema.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestHostUpdateDefinitions(t *testing.T) {
	keep := shellDef(t, "keep", echoScript)
	drop := shellDef(t, "drop", echoScript)
	h := newTestHost(t, HostDeps{}, keep, drop)
	keepID := statusFor(t, h, "keep").ID
	if h.Manager().Len() != 2 {
		t.Fatalf("expected 2 instances, got %d", h.Manager().Len())
	}

	added := shellDef(t, "added", echoScript)
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{keep, added}); err != nil {
		t.Fatalf("update: %v", err)
	}
	statuses := h.Status()
	if len(statuses) != 2 || statuses[0].Name != "keep" || statuses[1].Name != "added" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[0].ID != keepID || !statuses[0].Running {
		t.Fatalf("unchanged definition must keep its instance, got %+v", statuses[0])
	}
	if !statuses[1].Running {
		t.Fatalf("expected added auto-start script running, got %+v", statuses[1])
	}
	if h.Manager().Len() != 2 {
		t.Fatalf("expected dropped instance removed, got %d instances", h.Manager().Len())
	}

	keep.Enabled = false
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{keep, added}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if status := statusFor(t, h, "keep"); status.Running || status.State != StateStopped {
		t.Fatalf("expected disabled script stopped, got %+v", status)
	}

	keep.Enabled = true
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{keep, added}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if status := statusFor(t, h, "keep"); !status.Running || status.ID == 0 || status.ID == keepID {
		t.Fatalf("expected re-enabled script running with a new instance, got %+v", status)
	}
}

func TestHostUpdateDefinitionsStartsEnabledAutoStart(t *testing.T) {
	def := shellDef(t, "later", echoScript)
	def.Enabled = false
	h := newTestHost(t, HostDeps{}, def)
	if status := statusFor(t, h, "later"); status.Running || status.ID != 0 {
		t.Fatalf("expected disabled script idle, got %+v", status)
	}

	def.Enabled = true
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{def}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if status := statusFor(t, h, "later"); !status.Running || status.State != StateRunning {
		t.Fatalf("expected enabled script running, got %+v", status)
	}
}

func TestHostUpdateDefinitionsRetriesFixedPath(t *testing.T) {
	def := shellDef(t, "fixed", echoScript)
	good := def.ScriptPath
	def.ScriptPath = filepath.Join(t.TempDir(), "missing.sh")
	def.Interpreter = ""
	deps := HostDeps{Source: StaticSource{def}}
	h, err := NewHost(HostConfig{}, deps)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := h.Start(context.Background()); err == nil {
		t.Fatalf("expected spawn failure")
	}

	def.ScriptPath = good
	def.Interpreter = "/bin/sh"
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{def}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if status := statusFor(t, h, "fixed"); !status.Running || status.LastError != "" {
		t.Fatalf("expected fixed script running, got %+v", status)
	}
}

func TestHostClosedRejectsStartAndReload(t *testing.T) {
	def := shellDef(t, "late", echoScript)
	h := newTestHost(t, HostDeps{}, def)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.StartScript(context.Background(), "late"); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed from start, got %v", err)
	}
	def.Name = "other"
	if err := h.UpdateDefinitions(context.Background(), []schema.ScriptDefinition{def}); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed from reload, got %v", err)
	}
	if h.Manager().Len() != 0 {
		t.Fatalf("expected no instances after close, got %d", h.Manager().Len())
	}
}

// slowSession stalls SetBadge so a tick spends time inside dispatch.
type slowSession struct {
	fakeSession
	delay time.Duration
}

func (s *slowSession) SetBadge(text string) {
	time.Sleep(s.delay)
	s.fakeSession.SetBadge(text)
}

func TestHostReloadDuringTick(t *testing.T) {
	term := newFakeTerminal()
	body := "#!/bin/sh\nwhile IFS= read -r line; do\n" +
		"  printf '{\"type\":\"set_badge\",\"text\":\"busy\"}\\n'\n" +
		"  printf '{\"type\":\"log\",\"level\":\"info\",\"message\":\"tick\"}\\n'\n" +
		"done\n"
	def := shellDef(t, "badge", body)
	session := &slowSession{delay: 5 * time.Millisecond}
	h := newTestHost(t, HostDeps{Terminal: term, Session: session}, def)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan struct{})
	go func() {
		defer close(reloads)
		for ctx.Err() == nil {
			_ = h.UpdateDefinitions(ctx, []schema.ScriptDefinition{def})
			time.Sleep(time.Millisecond)
		}
	}()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		term.Emit(terminal.Bell{})
		h.Tick(context.Background())
	}
	cancel()
	<-reloads

	if session.Badge() != "busy" {
		t.Fatalf("expected badge set during reloads, got %q", session.Badge())
	}
	if status := statusFor(t, h, "badge"); !status.Running {
		t.Fatalf("expected script still running, got %+v", status)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	output []OutputEvent
	states []StateEvent
}

func (r *recordingSink) OnScriptOutput(event OutputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, event)
}

func (r *recordingSink) OnScriptState(event StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, event)
}

func (r *recordingSink) snapshot() ([]OutputEvent, []StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutputEvent(nil), r.output...), append([]StateEvent(nil), r.states...)
}

func TestHostSinkReceivesOutputAndState(t *testing.T) {
	sink := &recordingSink{}
	body := "#!/bin/sh\nprintf '{\"type\":\"log\",\"level\":\"info\",\"message\":\"hello\"}\\n'\necho bad >&2\nexit 2\n"
	h := newTestHost(t, HostDeps{Sink: sink}, shellDef(t, "short", body))

	tickUntil(t, h, "exit", func(total TickStats) bool { return total.Exited == 1 })
	tickUntil(t, h, "leftovers", func(TickStats) bool {
		output, _ := sink.snapshot()
		return len(output) == 2
	})
	output, states := sink.snapshot()
	streams := map[OutputStream]string{}
	for _, event := range output {
		streams[event.Stream] = strings.Join(event.Lines, "\n")
	}
	if streams[StreamLog] != "[info] hello" || streams[StreamStderr] != "bad" {
		t.Fatalf("unexpected output events %+v", output)
	}
	if len(states) != 2 || states[0].State != StateRunning || states[1].State != StateStopped || states[1].Error == "" {
		t.Fatalf("unexpected state events %+v", states)
	}
	if status := statusFor(t, h, "short"); status.State != StateStopped || status.Running {
		t.Fatalf("unexpected status %+v", status)
	}
}
