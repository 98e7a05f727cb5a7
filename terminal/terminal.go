package terminal

// ObserverID identifies a registered observer.
type ObserverID uint64

// Observer receives terminal events. Implementations are called from the
// terminal core's reader goroutine and must not block.
type Observer interface {
	OnTerminalEvent(event Event)
}

// Terminal is the part of the terminal core the scripting host needs.
type Terminal interface {
	AddObserver(observer Observer) ObserverID
	RemoveObserver(id ObserverID) bool
	// WriteText writes text to the PTY as if typed.
	WriteText(text string) error
}
