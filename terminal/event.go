// Package terminal defines the push-notification contract of the terminal
// core: the events it emits and the observer and write hooks scripts use.
package terminal

import "pkt.systems/termscript/schema"

// Event is one terminal lifecycle notification.
type Event interface {
	// Kind returns the wire kind the event is forwarded under.
	Kind() schema.EventKind
}

// Bell is emitted when the bell rings.
type Bell struct{}

// TitleChanged is emitted when the window title changes.
type TitleChanged struct {
	Title string
}

// SizeChanged is emitted when the grid is resized.
type SizeChanged struct {
	Cols int
	Rows int
}

// CwdChanged is emitted when shell integration reports a new directory.
type CwdChanged struct {
	Cwd      string
	Hostname string
}

// UserVarChanged is emitted when a user variable is set (OSC 1337 SetUserVar).
type UserVarChanged struct {
	Name     string
	Value    string
	OldValue *string
}

// EnvironmentChanged is emitted when shell integration reports an env change.
type EnvironmentChanged struct {
	Key      string
	Value    string
	OldValue *string
}

// BadgeChanged is emitted when the badge text changes.
type BadgeChanged struct {
	Text string
}

// CommandFinished is emitted by shell integration markers. Command is empty
// when the shell did not report it.
type CommandFinished struct {
	Command  string
	ExitCode *int
}

// TriggerMatched is emitted when a configured trigger matches output.
type TriggerMatched struct {
	TriggerID uint64
	Text      string
	Row       int
}

// ZoneOpened is emitted when a semantic zone starts.
type ZoneOpened struct {
	ZoneID   uint64
	ZoneType string
}

// ZoneClosed is emitted when a semantic zone ends.
type ZoneClosed struct {
	ZoneID   uint64
	ZoneType string
}

// ZoneScrolledOut is emitted when a zone leaves the scrollback.
type ZoneScrolledOut struct {
	ZoneID   uint64
	ZoneType string
}

// ModeChanged is emitted when a terminal mode toggles.
type ModeChanged struct {
	Mode    string
	Enabled bool
}

// HyperlinkAdded is emitted when an OSC 8 hyperlink is placed on the grid.
type HyperlinkAdded struct {
	URL string
	Row int
	Col int
}

// ProgressBarChanged is emitted on OSC 9;4 progress updates.
type ProgressBarChanged struct {
	ID      string
	State   string
	Percent int
}

// RemoteHostTransition is emitted when the shell moves to another host.
type RemoteHostTransition struct {
	Hostname string
	Username string
}

// FileTransfer is emitted for inline file transfer progress.
type FileTransfer struct {
	Phase string
	ID    uint64
	Name  string
	Bytes int64
	Total int64
	Error string
}

// Other carries events without a dedicated variant.
type Other struct {
	Name   schema.EventKind
	Fields map[string]any
}

func (Bell) Kind() schema.EventKind               { return schema.EventBellRang }
func (TitleChanged) Kind() schema.EventKind       { return schema.EventTitleChanged }
func (SizeChanged) Kind() schema.EventKind        { return schema.EventSizeChanged }
func (CwdChanged) Kind() schema.EventKind         { return schema.EventCwdChanged }
func (UserVarChanged) Kind() schema.EventKind     { return schema.EventVariableChanged }
func (EnvironmentChanged) Kind() schema.EventKind { return schema.EventEnvironmentChanged }
func (BadgeChanged) Kind() schema.EventKind       { return schema.EventBadgeChanged }
func (CommandFinished) Kind() schema.EventKind    { return schema.EventCommandComplete }
func (TriggerMatched) Kind() schema.EventKind     { return schema.EventTriggerMatched }
func (ZoneOpened) Kind() schema.EventKind         { return schema.EventZoneOpened }
func (ZoneClosed) Kind() schema.EventKind         { return schema.EventZoneClosed }
func (ZoneScrolledOut) Kind() schema.EventKind    { return schema.EventZoneScrolledOut }
func (ModeChanged) Kind() schema.EventKind        { return "ModeChanged" }
func (HyperlinkAdded) Kind() schema.EventKind     { return "HyperlinkAdded" }
func (ProgressBarChanged) Kind() schema.EventKind { return "ProgressBarChanged" }
func (RemoteHostTransition) Kind() schema.EventKind {
	return "RemoteHostTransition"
}

// Kind returns FileTransferStarted, FileTransferProgress, and so on.
func (e FileTransfer) Kind() schema.EventKind {
	switch e.Phase {
	case "started":
		return "FileTransferStarted"
	case "completed":
		return "FileTransferCompleted"
	case "failed":
		return "FileTransferFailed"
	default:
		return "FileTransferProgress"
	}
}

func (e Other) Kind() schema.EventKind { return e.Name }
