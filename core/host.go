package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termscript/internal/logx"
	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

var (
	// ErrScriptNotFound indicates a script name with no definition.
	ErrScriptNotFound = errors.New("script not found")
	// ErrScriptDisabled indicates a start request for a disabled definition.
	ErrScriptDisabled = errors.New("script disabled")
	// ErrNoCapability indicates the host has no backend for a command.
	ErrNoCapability = errors.New("capability not configured")
	// ErrHostClosed indicates a start or reload after Close.
	ErrHostClosed = errors.New("host closed")
)

// HostConfig controls host-side limits.
type HostConfig struct {
	// OutputMaxLines caps each script's output buffer.
	OutputMaxLines int
	// CommandDenylist extends DefaultCommandDenylist.
	CommandDenylist []string
	// DisableAuditLogging suppresses the debug audit trail of executed
	// host-affecting commands.
	DisableAuditLogging bool
}

// ScriptStatus is the monitoring view of one definition.
type ScriptStatus struct {
	Name      string
	ID        ScriptID
	Enabled   bool
	State     ScriptState
	Running   bool
	LastError string
	Output    []string
	Panel     *Panel
	Restarts  int
}

// TickStats summarises one host tick.
type TickStats struct {
	Events    int
	Commands  int
	Rejected  int
	Exited    int
	Restarted int
}

// Host ticks the manager and dispatches script commands to host capabilities.
type Host struct {
	cfg      HostConfig
	manager  *Manager
	term     terminal.Terminal
	notifier Notifier
	spawner  CommandSpawner
	session  SessionState
	applier  ConfigApplier
	sink     OutputSink
	logger   pslog.Logger
	denylist []string

	mu     sync.Mutex
	slots  []*slot
	closed bool
}

type slot struct {
	def       schema.ScriptDefinition
	id        ScriptID
	state     ScriptState
	output    *buffer
	lastError string
}

// NewHost constructs a host for the definitions supplied by deps.Source.
func NewHost(cfg HostConfig, deps HostDeps) (*Host, error) {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	manager := deps.Manager
	if manager == nil {
		manager = NewManager(ManagerDeps{Terminal: deps.Terminal, Logger: logger})
	}
	if cfg.OutputMaxLines <= 0 {
		cfg.OutputMaxLines = schema.DefaultOutputMaxLines
	}
	denylist := append([]string(nil), DefaultCommandDenylist...)
	for _, pattern := range cfg.CommandDenylist {
		if strings.TrimSpace(pattern) != "" {
			denylist = append(denylist, pattern)
		}
	}
	h := &Host{
		cfg:      cfg,
		manager:  manager,
		term:     deps.Terminal,
		notifier: deps.Notifier,
		spawner:  deps.Spawner,
		session:  deps.Session,
		applier:  deps.Config,
		sink:     deps.Sink,
		logger:   logger,
		denylist: denylist,
	}
	if deps.Source != nil {
		defs, err := schema.NormalizeDefinitions(deps.Source.Definitions())
		if err != nil {
			return nil, err
		}
		h.warnSubscriptions(defs)
		for _, def := range defs {
			h.slots = append(h.slots, h.newSlot(def))
		}
	}
	return h, nil
}

func (h *Host) warnSubscriptions(defs []schema.ScriptDefinition) {
	for _, def := range defs {
		for _, name := range def.UnknownSubscriptions() {
			h.logger.Warn("script subscription matches no built-in event kind", "script", def.Name, "subscription", name)
		}
	}
}

func (h *Host) newSlot(def schema.ScriptDefinition) *slot {
	return &slot{def: def, state: StateNotStarted, output: newBufferWithMaxLines(h.cfg.OutputMaxLines)}
}

// Manager returns the underlying script manager.
func (h *Host) Manager() *Manager {
	return h.manager
}

func (h *Host) find(name string) (*slot, bool) {
	for _, s := range h.slots {
		if s.def.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Start launches every enabled auto-start definition. Failures are recorded
// on the definition and returned joined.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	var names []string
	for _, s := range h.slots {
		if s.def.Enabled && s.def.AutoStart && s.id == 0 {
			names = append(names, s.def.Name)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, name := range names {
		if _, err := h.StartScript(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// StartScript starts the named definition. A definition that already has a
// live or restarting instance keeps it.
func (h *Host) StartScript(ctx context.Context, name string) (ScriptID, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrHostClosed
	}
	s, ok := h.find(name)
	if !ok {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrScriptNotFound, name)
	}
	if !s.def.Enabled {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrScriptDisabled, name)
	}
	stale := ScriptID(0)
	if s.id != 0 {
		if info, ok := h.manager.Info(s.id); ok && (info.Running || info.State == StateAwaitingRestart) {
			h.mu.Unlock()
			return s.id, nil
		}
		stale = s.id
		s.id = 0
	}
	def := s.def
	h.mu.Unlock()

	if stale != 0 {
		h.manager.StopScript(stale)
	}
	id, err := h.manager.StartScript(ctx, def)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if err == nil {
			h.manager.StopScript(id)
		}
		return 0, ErrHostClosed
	}
	if current, ok := h.find(name); !ok || current != s {
		h.mu.Unlock()
		if err == nil {
			h.manager.StopScript(id)
		}
		return 0, fmt.Errorf("%w: %q", ErrScriptNotFound, name)
	}
	if err != nil {
		s.state = StateStopped
		s.lastError = err.Error()
		h.mu.Unlock()
		h.emitState(StateEvent{Script: name, State: StateStopped, Error: err.Error()})
		return 0, err
	}
	s.id = id
	s.state = StateRunning
	s.lastError = ""
	h.mu.Unlock()
	h.emitState(StateEvent{Script: name, ID: id, State: StateRunning})
	return id, nil
}

// StopScript stops the named definition's instance.
func (h *Host) StopScript(name string) error {
	h.mu.Lock()
	s, ok := h.find(name)
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrScriptNotFound, name)
	}
	id := s.id
	s.id = 0
	if id != 0 {
		s.state = StateStopped
	}
	h.mu.Unlock()
	if id != 0 {
		h.manager.StopScript(id)
		h.emitState(StateEvent{Script: name, ID: id, State: StateStopped})
	}
	return nil
}

// Tick runs one cooperative scheduling pass: restart bookkeeping, event
// delivery, command dispatch and stderr collection.
func (h *Host) Tick(ctx context.Context) TickStats {
	var stats TickStats
	result := h.manager.Supervise(ctx)
	stats.Exited = len(result.Exited)
	for _, report := range result.Exited {
		event := StateEvent{Script: report.Name, ID: report.ID, State: StateStopped}
		if report.Restart {
			event.State = StateAwaitingRestart
		}
		if report.Exit != nil && !report.Exit.Clean() {
			event.Error = report.Exit.Error()
		}
		h.emitState(event)
	}
	for _, report := range result.Restarted {
		if report.Err != nil {
			h.logger.Warn("script restart failed", "script", report.Name, "script_id", uint64(report.ID), "err", report.Err)
			h.recordError(report.ID, report.Err.Error())
			h.emitState(StateEvent{Script: report.Name, ID: report.ID, State: StateStopped, Error: report.Err.Error()})
			continue
		}
		stats.Restarted++
		h.emitState(StateEvent{Script: report.Name, ID: report.ID, State: StateRunning})
	}

	// Definitions are copied under the lock; a concurrent reload replaces
	// slot.def.
	type target struct {
		slot *slot
		def  schema.ScriptDefinition
		id   ScriptID
	}
	h.mu.Lock()
	targets := make([]target, 0, len(h.slots))
	for _, s := range h.slots {
		if s.id != 0 {
			targets = append(targets, target{slot: s, def: s.def, id: s.id})
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		if h.manager.IsRunning(t.id) {
			n, _ := h.manager.PumpEvents(t.id)
			stats.Events += n
		}
		for _, cmd := range h.manager.ReadCommands(t.id) {
			stats.Commands++
			if err := h.dispatch(ctx, t.slot, t.def, t.id, cmd); err != nil {
				stats.Rejected++
			}
		}
		if lines := h.manager.ReadErrors(t.id); len(lines) > 0 {
			text := strings.Join(lines, "\n")
			h.logger.Warn("script stderr", "script", t.def.Name, "script_id", uint64(t.id), "lines", len(lines))
			h.mu.Lock()
			t.slot.lastError = text
			h.mu.Unlock()
			h.emitOutput(OutputEvent{Script: t.def.Name, ID: t.id, Stream: StreamStderr, Lines: lines})
		}
	}
	return stats
}

func (h *Host) recordError(id ScriptID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.slots {
		if s.id == id {
			s.lastError = text
			return
		}
	}
}

func (h *Host) appendOutput(s *slot, name string, id ScriptID, line string) {
	h.mu.Lock()
	s.output.Append(line)
	h.mu.Unlock()
	h.emitOutput(OutputEvent{Script: name, ID: id, Stream: StreamLog, Lines: []string{line}})
}

func (h *Host) emitOutput(event OutputEvent) {
	if h.sink != nil {
		h.sink.OnScriptOutput(event)
	}
}

func (h *Host) emitState(event StateEvent) {
	if h.sink != nil {
		h.sink.OnScriptState(event)
	}
}

// dispatch executes one command. A non-nil error means the command was
// rejected or failed; it has already been logged.
func (h *Host) dispatch(ctx context.Context, s *slot, def schema.ScriptDefinition, id ScriptID, cmd schema.Command) error {
	log := logx.WithCommand(logx.WithScript(h.logger, def.Name, uint64(id)), string(cmd.CommandType()))
	err := h.execute(ctx, s, def, id, cmd, log)
	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrRateLimited), errors.Is(err, ErrCommandDenied),
		errors.Is(err, ErrConfigKeyNotAllowed), errors.Is(err, ErrConfigValueType), errors.Is(err, ErrEmptyCommand):
		log.Warn("script command rejected", "err", err)
	case errors.Is(err, ErrNoCapability):
		log.Debug("script command ignored", "err", err)
	default:
		log.Error("script command failed", "err", err)
	}
	return err
}

func (h *Host) execute(ctx context.Context, s *slot, def schema.ScriptDefinition, id ScriptID, cmd schema.Command, log pslog.Logger) error {
	switch c := cmd.(type) {
	case schema.Log:
		h.appendOutput(s, def.Name, id, fmt.Sprintf("[%s] %s", c.Level, c.Message))
		logAtLevel(log, c.Level, c.Message)
		return nil
	case schema.SetPanel:
		h.manager.SetPanel(id, c.Title, c.Content)
		return nil
	case schema.ClearPanel:
		h.manager.ClearPanel(id)
		return nil
	case schema.Notify:
		if h.notifier == nil {
			return ErrNoCapability
		}
		h.audit(log, c.CommandType(), c.Title)
		return h.notifier.Notify(ctx, c.Title, c.Body)
	case schema.SetBadge:
		if h.session == nil {
			return ErrNoCapability
		}
		h.session.SetBadge(c.Text)
		return nil
	case schema.SetVariable:
		if h.session == nil {
			return ErrNoCapability
		}
		h.session.SetVariable(c.Name, c.Value)
		return nil
	case schema.WriteText:
		return h.writeText(def, id, c.Text, log)
	case schema.RunCommand:
		return h.runCommand(ctx, def, id, c.Command, log)
	case schema.ChangeConfig:
		return h.changeConfig(def, c, log)
	default:
		return fmt.Errorf("%w: %s", schema.ErrUnknownCommand, cmd.CommandType())
	}
}

func (h *Host) writeText(def schema.ScriptDefinition, id ScriptID, text string, log pslog.Logger) error {
	if !def.AllowWriteText {
		return fmt.Errorf("%w: allow_write_text is false", ErrPermissionDenied)
	}
	clean := SanitizeText(text)
	if clean == "" {
		return nil
	}
	if !h.manager.AllowWriteText(id) {
		return ErrRateLimited
	}
	if h.term == nil {
		return ErrNoCapability
	}
	if err := h.term.WriteText(clean); err != nil {
		return err
	}
	h.audit(log, schema.CommandWriteText, previewText(clean, 200))
	return nil
}

func (h *Host) runCommand(ctx context.Context, def schema.ScriptDefinition, id ScriptID, command string, log pslog.Logger) error {
	if !def.AllowRunCommand {
		return fmt.Errorf("%w: allow_run_command is false", ErrPermissionDenied)
	}
	argv, err := TokenizeCommand(command)
	if err != nil {
		return err
	}
	if pattern, denied := CheckDenylist(argv, h.denylist); denied {
		return fmt.Errorf("%w: matches %q", ErrCommandDenied, pattern)
	}
	if !h.manager.AllowRunCommand(id) {
		return ErrRateLimited
	}
	if h.spawner == nil {
		return ErrNoCapability
	}
	h.audit(log, schema.CommandRunCommand, strings.Join(argv, " "))
	return h.spawner.Spawn(ctx, argv)
}

func (h *Host) changeConfig(def schema.ScriptDefinition, change schema.ChangeConfig, log pslog.Logger) error {
	if !def.AllowChangeConfig {
		return fmt.Errorf("%w: allow_change_config is false", ErrPermissionDenied)
	}
	value, err := NormalizeConfigChange(change.Key, change.Value)
	if err != nil {
		return err
	}
	if h.applier == nil {
		return ErrNoCapability
	}
	h.audit(log, schema.CommandChangeConfig, fmt.Sprintf("%s=%v", change.Key, value))
	return h.applier.ApplyConfig(change.Key, value)
}

func (h *Host) audit(log pslog.Logger, commandType schema.CommandType, command string) {
	if h.cfg.DisableAuditLogging {
		return
	}
	log.Debug("audit command", "command_type", string(commandType), "command", command)
}

func previewText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit]
}

func logAtLevel(log pslog.Logger, level schema.LogLevel, message string) {
	switch level {
	case schema.LogTrace:
		log.Trace("script log", "message", message)
	case schema.LogDebug:
		log.Debug("script log", "message", message)
	case schema.LogWarn:
		log.Warn("script log", "message", message)
	case schema.LogError:
		log.Error("script log", "message", message)
	default:
		log.Info("script log", "message", message)
	}
}

// Status returns one entry per definition in configuration order.
func (h *Host) Status() []ScriptStatus {
	h.mu.Lock()
	type row struct {
		status ScriptStatus
		id     ScriptID
	}
	rows := make([]row, 0, len(h.slots))
	for _, s := range h.slots {
		rows = append(rows, row{
			id: s.id,
			status: ScriptStatus{
				Name:      s.def.Name,
				ID:        s.id,
				Enabled:   s.def.Enabled,
				State:     s.state,
				LastError: s.lastError,
				Output:    s.output.Snapshot(),
			},
		})
	}
	h.mu.Unlock()

	out := make([]ScriptStatus, 0, len(rows))
	for _, r := range rows {
		status := r.status
		if r.id != 0 {
			if info, ok := h.manager.Info(r.id); ok {
				status.State = info.State
				status.Running = info.Running
				status.Restarts = info.Restarts
				status.Panel = info.Panel
				if status.LastError == "" {
					status.LastError = info.LastError
				}
			}
		}
		out = append(out, status)
	}
	return out
}

// UpdateDefinitions swaps in a new definition list. Instances whose definition
// disappeared, became disabled or changed are stopped; changed and new
// auto-start definitions are started.
func (h *Host) UpdateDefinitions(ctx context.Context, defs []schema.ScriptDefinition) error {
	normalized, err := schema.NormalizeDefinitions(defs)
	if err != nil {
		return err
	}
	h.warnSubscriptions(normalized)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	var stop []ScriptID
	var start []string
	next := make([]*slot, 0, len(normalized))
	kept := make(map[string]bool, len(normalized))
	for _, def := range normalized {
		kept[def.Name] = true
		existing, ok := h.find(def.Name)
		if !ok {
			s := h.newSlot(def)
			next = append(next, s)
			if def.Enabled && def.AutoStart {
				start = append(start, def.Name)
			}
			continue
		}
		changed := !reflect.DeepEqual(existing.def, def)
		if existing.id != 0 && (changed || !def.Enabled) {
			stop = append(stop, existing.id)
			existing.id = 0
			existing.state = StateStopped
		}
		if changed && existing.id == 0 && def.Enabled && def.AutoStart {
			start = append(start, def.Name)
		}
		existing.def = def
		next = append(next, existing)
	}
	for _, s := range h.slots {
		if !kept[s.def.Name] && s.id != 0 {
			stop = append(stop, s.id)
		}
	}
	h.slots = next
	h.mu.Unlock()

	for _, id := range stop {
		h.manager.StopScript(id)
	}
	h.logger.Info("script definitions updated", "definitions", len(normalized), "stopped", len(stop), "starting", len(start))

	var errs []error
	for _, name := range start {
		if _, err := h.StartScript(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every script. Later starts and reloads fail with ErrHostClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.manager.StopAll()
	h.mu.Lock()
	for _, s := range h.slots {
		if s.id != 0 {
			s.id = 0
			s.state = StateStopped
		}
	}
	h.mu.Unlock()
	return nil
}
