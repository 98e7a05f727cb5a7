package core

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

// Notifier raises user-visible notifications.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// CommandSpawner starts fire-and-forget external processes.
type CommandSpawner interface {
	Spawn(ctx context.Context, argv []string) error
}

// SessionState owns the badge and user variables of the terminal session.
type SessionState interface {
	SetBadge(text string)
	SetVariable(name, value string)
}

// ConfigApplier applies validated runtime config changes.
type ConfigApplier interface {
	ApplyConfig(key string, value any) error
}

// ScriptSource supplies the configured script definitions.
type ScriptSource interface {
	Definitions() []schema.ScriptDefinition
}

// StaticSource is a ScriptSource backed by a fixed slice.
type StaticSource []schema.ScriptDefinition

// Definitions returns a copy of the slice.
func (s StaticSource) Definitions() []schema.ScriptDefinition {
	return append([]schema.ScriptDefinition(nil), s...)
}

// HostDeps captures optional dependencies for the host loop. Nil capabilities
// turn the matching commands into logged no-ops.
type HostDeps struct {
	Manager  *Manager
	Terminal terminal.Terminal
	Notifier Notifier
	Spawner  CommandSpawner
	Session  SessionState
	Config   ConfigApplier
	Source   ScriptSource
	Sink     OutputSink
	Logger   pslog.Logger
}
