package core

// OutputStream names where a script output line came from.
type OutputStream string

const (
	// StreamLog carries rendered Log commands.
	StreamLog OutputStream = "log"
	// StreamStderr carries raw stderr lines.
	StreamStderr OutputStream = "stderr"
)

// OutputEvent carries output lines recorded for one script.
type OutputEvent struct {
	Script string
	ID     ScriptID
	Stream OutputStream
	Lines  []string
}

// StateEvent carries a script lifecycle transition.
type StateEvent struct {
	Script string
	ID     ScriptID
	State  ScriptState
	Error  string
}

// OutputSink receives script output and state events from the host.
type OutputSink interface {
	OnScriptOutput(event OutputEvent)
	OnScriptState(event StateEvent)
}
