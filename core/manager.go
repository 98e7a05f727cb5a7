package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"
	"pkt.systems/termscript/internal/forwarder"
	"pkt.systems/termscript/internal/logx"
	"pkt.systems/termscript/internal/scriptproc"
	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

// ErrUnknownScript indicates an id that is not (or no longer) registered.
var ErrUnknownScript = errors.New("unknown script")

// ScriptID identifies a script instance within one manager. IDs start at 1
// and are never reused.
type ScriptID uint64

// ScriptState is the lifecycle state of a script instance.
type ScriptState string

const (
	// StateNotStarted means no process has been spawned for the definition.
	StateNotStarted ScriptState = "not_started"
	// StateRunning means the process is live.
	StateRunning ScriptState = "running"
	// StateStopped means the process exited or was stopped.
	StateStopped ScriptState = "stopped"
	// StateAwaitingRestart means a respawn is scheduled.
	StateAwaitingRestart ScriptState = "awaiting_restart"
)

// Panel is host-side panel content owned by one script.
type Panel struct {
	Title   string
	Content string
}

// ManagerDeps captures optional dependencies for the manager.
type ManagerDeps struct {
	// Terminal receives forwarder registrations. Nil disables forwarding.
	Terminal terminal.Terminal
	Logger   pslog.Logger
	// WriteTimeout bounds each event write; zero uses the process default.
	WriteTimeout time.Duration
	// Now overrides the clock used for restart scheduling and rate limits.
	Now func() time.Time
}

// Manager is the per-session registry of script instances.
type Manager struct {
	term         terminal.Terminal
	logger       pslog.Logger
	writeTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	nextID    ScriptID
	instances map[ScriptID]*instance
}

type instance struct {
	id  ScriptID
	def schema.ScriptDefinition
	log pslog.Logger

	proc       *scriptproc.Process
	fwd        *forwarder.Forwarder
	observerID terminal.ObserverID
	observing  bool

	state     ScriptState
	fireAt    time.Time
	lastError string
	exit      *scriptproc.ExitError
	restarts  int
	panel     *Panel

	writeLimiter *rate.Limiter
	runLimiter   *rate.Limiter

	pendingCommands []schema.Command
	pendingErrors   []string
}

// InstanceInfo is a snapshot of one instance.
type InstanceInfo struct {
	ID        ScriptID
	Name      string
	State     ScriptState
	Running   bool
	LastError string
	Exit      *scriptproc.ExitError
	Restarts  int
	Panel     *Panel
	FireAt    time.Time
}

// ExitReport describes a process exit detected by Supervise.
type ExitReport struct {
	ID      ScriptID
	Name    string
	Exit    *scriptproc.ExitError
	Restart bool
	FireAt  time.Time
}

// RestartReport describes a respawn attempted by Supervise.
type RestartReport struct {
	ID   ScriptID
	Name string
	Err  error
}

// SuperviseResult lists the transitions of one Supervise pass.
type SuperviseResult struct {
	Exited    []ExitReport
	Restarted []RestartReport
}

// NewManager constructs an empty manager.
func NewManager(deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		term:         deps.Terminal,
		logger:       logger,
		writeTimeout: deps.WriteTimeout,
		now:          now,
		nextID:       1,
		instances:    make(map[ScriptID]*instance),
	}
}

// StartScript spawns the definition's process and registers its forwarder.
// A failed spawn returns *scriptproc.SpawnError and consumes no id.
func (m *Manager) StartScript(ctx context.Context, def schema.ScriptDefinition) (ScriptID, error) {
	log := logx.WithScript(m.logger, def.Name, 0)
	proc, err := m.spawn(ctx, def, log)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	inst := &instance{
		id:           id,
		def:          def,
		log:          logx.WithScript(m.logger, def.Name, uint64(id)),
		proc:         proc,
		state:        StateRunning,
		writeLimiter: newLimiter(def.WriteTextRate()),
		runLimiter:   newLimiter(def.RunCommandRate()),
	}
	m.instances[id] = inst
	m.mu.Unlock()

	m.attach(inst)
	inst.log.Info("script started", "pid", proc.Pid(), "subscriptions", len(def.Subscriptions))
	return id, nil
}

func (m *Manager) spawn(ctx context.Context, def schema.ScriptDefinition, log pslog.Logger) (*scriptproc.Process, error) {
	command, args := ResolveCommand(def)
	proc, err := scriptproc.Spawn(ctx, scriptproc.Config{
		Name:         def.Name,
		Command:      command,
		Args:         args,
		Env:          envList(def.Env),
		WriteTimeout: m.writeTimeout,
		Logger:       log,
	})
	if err != nil {
		log.Warn("script start failed", "command", command, "err", err)
		return nil, err
	}
	return proc, nil
}

// attach creates a fresh forwarder for the instance and registers it.
func (m *Manager) attach(inst *instance) {
	fwd := forwarder.New(inst.def.SubscriptionSet())
	var observerID terminal.ObserverID
	observing := false
	if m.term != nil {
		observerID = m.term.AddObserver(fwd)
		observing = true
	}
	m.mu.Lock()
	inst.fwd = fwd
	inst.observerID = observerID
	inst.observing = observing
	m.mu.Unlock()
}

func (m *Manager) detach(inst *instance) {
	m.mu.Lock()
	observing := inst.observing
	observerID := inst.observerID
	inst.observing = false
	m.mu.Unlock()
	if observing && m.term != nil {
		m.term.RemoveObserver(observerID)
	}
}

// ResolveCommand returns the executable and arguments for a definition.
// An explicit interpreter wins; .py scripts default to python3.
func ResolveCommand(def schema.ScriptDefinition) (string, []string) {
	interpreter := strings.TrimSpace(def.Interpreter)
	if interpreter == "" && strings.EqualFold(filepath.Ext(def.ScriptPath), ".py") {
		interpreter = "python3"
	}
	if interpreter == "" {
		return def.ScriptPath, append([]string(nil), def.Args...)
	}
	args := make([]string, 0, len(def.Args)+1)
	args = append(args, def.ScriptPath)
	args = append(args, def.Args...)
	return interpreter, args
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// IsRunning reports whether id has a live process.
func (m *Manager) IsRunning(id ScriptID) bool {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.state != StateRunning || inst.proc == nil {
		m.mu.Unlock()
		return false
	}
	proc := inst.proc
	m.mu.Unlock()
	return proc.IsRunning()
}

// SendEvent writes one event to the script.
func (m *Manager) SendEvent(id ScriptID, event schema.Event) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownScript, id)
	}
	if inst.state != StateRunning || inst.proc == nil {
		m.mu.Unlock()
		return &scriptproc.IOError{Op: "write", Err: scriptproc.ErrNotRunning}
	}
	proc := inst.proc
	m.mu.Unlock()
	return proc.SendEvent(event)
}

// BroadcastEvent sends the event to every running script whose subscriptions
// include its kind. Per-script failures are logged and skipped.
func (m *Manager) BroadcastEvent(event schema.Event) int {
	type target struct {
		proc *scriptproc.Process
		log  pslog.Logger
	}
	m.mu.Lock()
	targets := make([]target, 0, len(m.instances))
	for _, id := range m.sortedIDsLocked() {
		inst := m.instances[id]
		if inst.state != StateRunning || inst.proc == nil {
			continue
		}
		if inst.fwd != nil && !inst.fwd.Wants(event.Kind) {
			continue
		}
		targets = append(targets, target{proc: inst.proc, log: inst.log})
	}
	m.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if err := t.proc.SendEvent(event); err != nil {
			t.log.Warn("script broadcast failed", "kind", event.Kind, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// PumpEvents drains the instance's forwarder and sends the events in order.
// It returns the number of events delivered.
func (m *Manager) PumpEvents(id ScriptID) (int, error) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownScript, id)
	}
	if inst.state != StateRunning || inst.fwd == nil || inst.proc == nil {
		m.mu.Unlock()
		return 0, nil
	}
	fwd := inst.fwd
	proc := inst.proc
	log := inst.log
	m.mu.Unlock()

	events := fwd.DrainEvents()
	for i, event := range events {
		if err := proc.SendEvent(event); err != nil {
			log.Warn("script event delivery failed", "kind", event.Kind, "dropped", len(events)-i, "err", err)
			return i, err
		}
	}
	return len(events), nil
}

// ReadCommands drains the commands the script emitted. Unknown ids yield nil.
func (m *Manager) ReadCommands(id ScriptID) []schema.Command {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	pending := inst.pendingCommands
	inst.pendingCommands = nil
	proc := inst.proc
	m.mu.Unlock()
	if proc == nil {
		return pending
	}
	return append(pending, proc.ReadCommands()...)
}

// ReadErrors drains the stderr lines the script emitted. Unknown ids yield nil.
func (m *Manager) ReadErrors(id ScriptID) []string {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	pending := inst.pendingErrors
	inst.pendingErrors = nil
	proc := inst.proc
	m.mu.Unlock()
	if proc == nil {
		return pending
	}
	return append(pending, proc.ReadErrors()...)
}

// SetPanel stores panel content for the script.
func (m *Manager) SetPanel(id ScriptID, title, content string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false
	}
	inst.panel = &Panel{Title: title, Content: content}
	return true
}

// Panel returns the script's panel, if any.
func (m *Manager) Panel(id ScriptID) (Panel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok || inst.panel == nil {
		return Panel{}, false
	}
	return *inst.panel, true
}

// ClearPanel removes the script's panel.
func (m *Manager) ClearPanel(id ScriptID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.panel = nil
	}
}

// AllowWriteText consumes one WriteText token for the script.
func (m *Manager) AllowWriteText(id ScriptID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false
	}
	return inst.writeLimiter.AllowN(m.now(), 1)
}

// AllowRunCommand consumes one RunCommand token for the script.
func (m *Manager) AllowRunCommand(id ScriptID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false
	}
	return inst.runLimiter.AllowN(m.now(), 1)
}

// Info returns a snapshot of one instance.
func (m *Manager) Info(id ScriptID) (InstanceInfo, bool) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return InstanceInfo{}, false
	}
	info := inst.infoLocked()
	proc := inst.proc
	m.mu.Unlock()
	info.Running = info.State == StateRunning && proc != nil && proc.IsRunning()
	return info, true
}

func (inst *instance) infoLocked() InstanceInfo {
	info := InstanceInfo{
		ID:        inst.id,
		Name:      inst.def.Name,
		State:     inst.state,
		LastError: inst.lastError,
		Exit:      inst.exit,
		Restarts:  inst.restarts,
		FireAt:    inst.fireAt,
	}
	if inst.panel != nil {
		panel := *inst.panel
		info.Panel = &panel
	}
	return info
}

func (m *Manager) sortedIDsLocked() []ScriptID {
	ids := make([]ScriptID, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Supervise runs one restart-policy pass. Respawns that came due on an earlier
// pass run first; exits detected in this pass are at the earliest respawned
// on the next one.
func (m *Manager) Supervise(ctx context.Context) SuperviseResult {
	var result SuperviseResult
	now := m.now()

	type liveInstance struct {
		inst *instance
		proc *scriptproc.Process
	}
	m.mu.Lock()
	var due []*instance
	var live []liveInstance
	for _, id := range m.sortedIDsLocked() {
		inst := m.instances[id]
		switch inst.state {
		case StateAwaitingRestart:
			if !now.Before(inst.fireAt) {
				due = append(due, inst)
			}
		case StateRunning:
			live = append(live, liveInstance{inst: inst, proc: inst.proc})
		}
	}
	m.mu.Unlock()

	for _, inst := range due {
		result.Restarted = append(result.Restarted, m.respawn(ctx, inst))
	}
	for _, entry := range live {
		if entry.proc == nil || entry.proc.IsRunning() {
			continue
		}
		inst := entry.inst
		if report, ok := m.handleExit(inst, now); ok {
			result.Exited = append(result.Exited, report)
		}
	}
	return result
}

func (m *Manager) handleExit(inst *instance, now time.Time) (ExitReport, bool) {
	m.mu.Lock()
	if current, ok := m.instances[inst.id]; !ok || current != inst || inst.state != StateRunning {
		m.mu.Unlock()
		return ExitReport{}, false
	}
	proc := inst.proc
	m.mu.Unlock()

	// Joins the readers and reaps anything left in the process group.
	proc.Stop()
	m.detach(inst)
	exit := proc.ExitStatus()
	leftoverCommands := proc.ReadCommands()
	leftoverErrors := proc.ReadErrors()

	restart := shouldRestart(inst.def.RestartPolicy, exit)
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.instances[inst.id]; !ok || current != inst {
		return ExitReport{}, false
	}
	inst.pendingCommands = append(inst.pendingCommands, leftoverCommands...)
	inst.pendingErrors = append(inst.pendingErrors, leftoverErrors...)
	inst.exit = exit
	if exit != nil && !exit.Clean() {
		inst.lastError = exit.Error()
	}
	inst.state = StateStopped
	report := ExitReport{ID: inst.id, Name: inst.def.Name, Exit: exit}
	if restart {
		inst.state = StateAwaitingRestart
		inst.fireAt = now.Add(inst.def.RestartDelay())
		report.Restart = true
		report.FireAt = inst.fireAt
	}
	fields := []any{"restart", restart}
	if exit != nil {
		fields = append(fields, "exit_code", exit.Code, "clean", exit.Clean())
		if exit.Signal != "" {
			fields = append(fields, "signal", exit.Signal)
		}
	}
	inst.log.Info("script exited", fields...)
	return report, true
}

func shouldRestart(policy schema.RestartPolicy, exit *scriptproc.ExitError) bool {
	switch policy {
	case schema.RestartAlways:
		return true
	case schema.RestartOnFailure:
		return exit == nil || !exit.Clean()
	default:
		return false
	}
}

func (m *Manager) respawn(ctx context.Context, inst *instance) RestartReport {
	report := RestartReport{ID: inst.id, Name: inst.def.Name}
	proc, err := m.spawn(ctx, inst.def, inst.log)

	m.mu.Lock()
	if current, ok := m.instances[inst.id]; !ok || current != inst || inst.state != StateAwaitingRestart {
		m.mu.Unlock()
		if proc != nil {
			proc.Stop()
		}
		report.Err = fmt.Errorf("%w: %d", ErrUnknownScript, inst.id)
		return report
	}
	if err != nil {
		inst.state = StateStopped
		inst.lastError = err.Error()
		m.mu.Unlock()
		report.Err = err
		return report
	}
	inst.proc = proc
	inst.exit = nil
	inst.state = StateRunning
	inst.restarts++
	inst.fireAt = time.Time{}
	restarts := inst.restarts
	m.mu.Unlock()

	m.attach(inst)
	inst.log.Info("script restarted", "pid", proc.Pid(), "restarts", restarts)
	return report
}

// StopScript stops and removes the instance together with its panel.
// Unknown ids are ignored.
func (m *Manager) StopScript(id ScriptID) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stopInstance(inst)
}

func (m *Manager) stopInstance(inst *instance) {
	m.detach(inst)
	if inst.proc != nil {
		inst.proc.Stop()
	}
	inst.log.Info("script stopped")
}

// StopAll stops and removes every instance.
func (m *Manager) StopAll() {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, id := range m.sortedIDsLocked() {
		insts = append(insts, m.instances[id])
	}
	m.instances = make(map[ScriptID]*instance)
	m.mu.Unlock()

	var group errgroup.Group
	group.SetLimit(8)
	for _, inst := range insts {
		group.Go(func() error {
			m.stopInstance(inst)
			return nil
		})
	}
	_ = group.Wait()
	if len(insts) > 0 {
		m.logger.Info("scripts stopped", "count", len(insts))
	}
}

// Close stops every instance.
func (m *Manager) Close() error {
	m.StopAll()
	return nil
}

// Len returns the number of registered instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
