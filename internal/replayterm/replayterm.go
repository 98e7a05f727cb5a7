// Package replayterm is a terminal core stand-in that replays recorded
// events and echoes injected text.
package replayterm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

// Terminal replays wire-format events to registered observers.
type Terminal struct {
	out io.Writer
	log pslog.Logger

	mu        sync.Mutex
	nextID    terminal.ObserverID
	observers map[terminal.ObserverID]terminal.Observer
	order     []terminal.ObserverID

	writeMu sync.Mutex
}

// New constructs a replay terminal. Text written by scripts goes to out;
// a nil out discards it.
func New(out io.Writer, logger pslog.Logger) *Terminal {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Terminal{
		out:       out,
		log:       logger,
		observers: make(map[terminal.ObserverID]terminal.Observer),
	}
}

// AddObserver registers an observer and returns its id.
func (t *Terminal) AddObserver(observer terminal.Observer) terminal.ObserverID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.observers[id] = observer
	t.order = append(t.order, id)
	return id
}

// RemoveObserver unregisters an observer. It reports whether it was present.
func (t *Terminal) RemoveObserver(id terminal.ObserverID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.observers[id]; !ok {
		return false
	}
	delete(t.observers, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Observers returns the number of registered observers.
func (t *Terminal) Observers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// WriteText writes text as if it had been typed into the PTY.
func (t *Terminal) WriteText(text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := io.WriteString(t.out, text)
	return err
}

// Emit dispatches one event to every observer in registration order.
func (t *Terminal) Emit(event terminal.Event) {
	t.mu.Lock()
	observers := make([]terminal.Observer, 0, len(t.order))
	for _, id := range t.order {
		observers = append(observers, t.observers[id])
	}
	t.mu.Unlock()
	for _, observer := range observers {
		observer.OnTerminalEvent(event)
	}
}

// Replay reads line-delimited wire events from r and emits them, waiting
// interval between events. Blank lines and lines starting with '#' are
// skipped; malformed lines are logged and skipped. It returns the number of
// events emitted.
func (t *Terminal) Replay(ctx context.Context, r io.Reader, interval time.Duration) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	emitted := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		event, err := schema.DecodeEvent(line)
		if err != nil {
			t.log.Warn("replay line skipped", "line", lineNo, "err", err)
			continue
		}
		if emitted > 0 && interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return emitted, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return emitted, err
		}
		t.Emit(FromWire(event))
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return emitted, fmt.Errorf("replay: %w", err)
	}
	t.log.Debug("replay finished", "events", emitted, "lines", lineNo)
	return emitted, nil
}

// FromWire maps a wire event back onto the terminal event it came from.
// Generic payloads become terminal.Other.
func FromWire(event schema.Event) terminal.Event {
	switch p := event.Payload.(type) {
	case schema.Empty:
		if event.Kind == schema.EventBellRang {
			return terminal.Bell{}
		}
	case schema.TitleChanged:
		return terminal.TitleChanged{Title: p.Title}
	case schema.SizeChanged:
		return terminal.SizeChanged{Cols: p.Cols, Rows: p.Rows}
	case schema.CwdChanged:
		return terminal.CwdChanged{Cwd: p.Cwd}
	case schema.VariableChanged:
		return terminal.UserVarChanged{Name: p.Name, Value: p.Value, OldValue: p.OldValue}
	case schema.EnvironmentChanged:
		return terminal.EnvironmentChanged{Key: p.Key, Value: p.Value, OldValue: p.OldValue}
	case schema.BadgeChanged:
		return terminal.BadgeChanged{Text: p.Text}
	case schema.CommandComplete:
		return terminal.CommandFinished{Command: p.Command, ExitCode: p.ExitCode}
	case schema.TriggerMatched:
		var id uint64
		_, _ = fmt.Sscanf(p.Pattern, "trigger:%d", &id)
		return terminal.TriggerMatched{TriggerID: id, Text: p.MatchedText, Row: p.Line}
	case schema.ZoneEvent:
		switch event.Kind {
		case schema.EventZoneOpened:
			return terminal.ZoneOpened{ZoneID: p.ZoneID, ZoneType: p.ZoneType}
		case schema.EventZoneClosed:
			return terminal.ZoneClosed{ZoneID: p.ZoneID, ZoneType: p.ZoneType}
		case schema.EventZoneScrolledOut:
			return terminal.ZoneScrolledOut{ZoneID: p.ZoneID, ZoneType: p.ZoneType}
		}
	case schema.Generic:
		return terminal.Other{Name: event.Kind, Fields: p.Fields}
	}
	return terminal.Other{Name: event.Kind, Fields: map[string]any{}}
}
