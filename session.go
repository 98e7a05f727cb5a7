package termscript

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termscript/core"
	"pkt.systems/termscript/internal/eventbus"
	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

// DefaultTickInterval is the host loop period when none is configured.
const DefaultTickInterval = 50 * time.Millisecond

// ErrSessionStopped is returned by UpdateDefinitions once Stop has been called.
var ErrSessionStopped = errors.New("session stopped")

// Session composes the script manager, the host loop and the event bus for
// one terminal session.
type Session interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Host() *core.Host
	Subscribe(script string) (<-chan eventbus.Event, func())
	UpdateDefinitions(ctx context.Context, defs []schema.ScriptDefinition) error
}

// SessionConfig configures the compositor.
type SessionConfig struct {
	TickInterval        time.Duration
	OutputMaxLines      int
	CommandDenylist     []string
	WriteTimeout        time.Duration
	DisableAuditLogging bool
	Scripts             []schema.ScriptDefinition
}

// SessionDeps captures the host capabilities of the session. Nil capabilities
// turn the matching script commands into no-ops.
type SessionDeps struct {
	Terminal terminal.Terminal
	Notifier core.Notifier
	Spawner  core.CommandSpawner
	Session  core.SessionState
	Config   core.ConfigApplier
	Sink     core.OutputSink
	Logger   pslog.Logger
	// Now overrides the manager clock.
	Now func() time.Time
}

// New constructs a session. Scripts are not started until Start.
func New(cfg SessionConfig, deps SessionDeps) (Session, error) {
	if deps.Terminal == nil {
		return nil, errors.New("terminal dependency is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	spawner := deps.Spawner
	if spawner == nil {
		spawner = core.ExecSpawner{Logger: logger}
	}

	bus := eventbus.New(logger)
	sinks := make([]core.OutputSink, 0, 2)
	if deps.Sink != nil {
		sinks = append(sinks, deps.Sink)
	}
	sinks = append(sinks, bus)
	var sink core.OutputSink = bus
	if len(sinks) > 1 {
		sink = eventFanout{sinks: sinks}
	}

	manager := core.NewManager(core.ManagerDeps{
		Terminal:     deps.Terminal,
		Logger:       logger,
		WriteTimeout: cfg.WriteTimeout,
		Now:          deps.Now,
	})
	host, err := core.NewHost(core.HostConfig{
		OutputMaxLines:      cfg.OutputMaxLines,
		CommandDenylist:     cfg.CommandDenylist,
		DisableAuditLogging: cfg.DisableAuditLogging,
	}, core.HostDeps{
		Manager:  manager,
		Terminal: deps.Terminal,
		Notifier: deps.Notifier,
		Spawner:  spawner,
		Session:  deps.Session,
		Config:   deps.Config,
		Source:   core.StaticSource(cfg.Scripts),
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &compositeSession{
		cfg:     cfg,
		host:    host,
		bus:     bus,
		logger:  logger,
		updates: make(chan definitionUpdate),
	}, nil
}

type compositeSession struct {
	cfg    SessionConfig
	host   *core.Host
	bus    *eventbus.Bus
	logger pslog.Logger
	// updates hands reloads to the loop goroutine so they never overlap a tick.
	updates chan definitionUpdate

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func (s *compositeSession) Host() *core.Host {
	return s.host
}

func (s *compositeSession) Subscribe(script string) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(script)
}

type definitionUpdate struct {
	ctx   context.Context
	defs  []schema.ScriptDefinition
	reply chan error
}

// UpdateDefinitions applies a new definition list. While the session runs the
// reload is executed by the loop goroutine between ticks.
func (s *compositeSession) UpdateDefinitions(ctx context.Context, defs []schema.ScriptDefinition) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	started := s.started
	stopped := s.stopped
	loopCtx := s.ctx
	s.mu.Unlock()
	if stopped {
		return ErrSessionStopped
	}
	if !started {
		return s.host.UpdateDefinitions(ctx, defs)
	}
	req := definitionUpdate{ctx: ctx, defs: defs, reply: make(chan error, 1)}
	select {
	case s.updates <- req:
	case <-loopCtx.Done():
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

func (s *compositeSession) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("session start rejected", "reason", "already started")
		return errors.New("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	s.mu.Unlock()

	s.logger.Info("session start", "tick_interval", s.cfg.TickInterval.String(), "definitions", len(s.cfg.Scripts))
	if err := s.host.Start(s.ctx); err != nil {
		// Failed scripts are recorded in Status; the session keeps running.
		s.logger.Warn("session script start failed", "err", err)
	}
	go s.loop()
	return nil
}

func (s *compositeSession) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.updates:
			req.reply <- s.host.UpdateDefinitions(req.ctx, req.defs)
		case <-ticker.C:
			stats := s.host.Tick(s.ctx)
			if stats.Exited > 0 || stats.Restarted > 0 || stats.Rejected > 0 {
				s.logger.Debug("session tick",
					"events", stats.Events,
					"commands", stats.Commands,
					"rejected", stats.Rejected,
					"exited", stats.Exited,
					"restarted", stats.Restarted,
				)
			}
		}
	}
}

func (s *compositeSession) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("session not started")
	}
	<-done
	return nil
}

func (s *compositeSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	stopped := s.stopped
	if started {
		s.stopped = true
	}
	s.mu.Unlock()
	if !started || stopped {
		return nil
	}
	s.logger.Info("session stop requested")
	cancel()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		s.logger.Warn("session stop timed out", "err", ctx.Err())
		_ = s.host.Close()
		return ctx.Err()
	case <-done:
	}
	if err := s.host.Close(); err != nil {
		s.logger.Warn("session host close failed", "err", err)
		return err
	}
	s.logger.Info("session stopped")
	return nil
}
