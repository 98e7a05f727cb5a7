// Package forwarder bridges pushed terminal events into a pollable queue of
// wire events for one script.
package forwarder

import (
	"fmt"
	"sync"

	"pkt.systems/termscript/schema"
	"pkt.systems/termscript/terminal"
)

// Forwarder implements terminal.Observer for a single script instance.
type Forwarder struct {
	filter map[schema.EventKind]struct{}

	mu     sync.Mutex
	events []schema.Event
}

// New returns a forwarder. A nil or empty filter forwards every kind.
func New(filter map[schema.EventKind]struct{}) *Forwarder {
	if len(filter) == 0 {
		filter = nil
	}
	return &Forwarder{filter: filter}
}

// OnTerminalEvent converts, filters and queues the event.
func (f *Forwarder) OnTerminalEvent(event terminal.Event) {
	if event == nil {
		return
	}
	if !f.Wants(event.Kind()) {
		return
	}
	converted := Convert(event)
	f.mu.Lock()
	f.events = append(f.events, converted)
	f.mu.Unlock()
}

// Wants reports whether kind passes the subscription filter.
func (f *Forwarder) Wants(kind schema.EventKind) bool {
	if f.filter == nil {
		return true
	}
	_, ok := f.filter[kind]
	return ok
}

// DrainEvents returns queued events in arrival order and clears the queue.
func (f *Forwarder) DrainEvents() []schema.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events
	f.events = nil
	return events
}

// Pending returns the number of queued events.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Convert maps a terminal event onto its wire representation.
func Convert(event terminal.Event) schema.Event {
	kind := event.Kind()
	switch e := event.(type) {
	case terminal.Bell:
		return schema.Event{Kind: kind, Payload: schema.Empty{}}
	case terminal.TitleChanged:
		return schema.Event{Kind: kind, Payload: schema.TitleChanged{Title: e.Title}}
	case terminal.SizeChanged:
		return schema.Event{Kind: kind, Payload: schema.SizeChanged{Cols: e.Cols, Rows: e.Rows}}
	case terminal.CwdChanged:
		return schema.Event{Kind: kind, Payload: schema.CwdChanged{Cwd: e.Cwd}}
	case terminal.UserVarChanged:
		return schema.Event{Kind: kind, Payload: schema.VariableChanged{Name: e.Name, Value: e.Value, OldValue: e.OldValue}}
	case terminal.EnvironmentChanged:
		return schema.Event{Kind: kind, Payload: schema.EnvironmentChanged{Key: e.Key, Value: e.Value, OldValue: e.OldValue}}
	case terminal.BadgeChanged:
		return schema.Event{Kind: kind, Payload: schema.BadgeChanged{Text: e.Text}}
	case terminal.CommandFinished:
		return schema.Event{Kind: kind, Payload: schema.CommandComplete{Command: e.Command, ExitCode: e.ExitCode}}
	case terminal.TriggerMatched:
		return schema.Event{Kind: kind, Payload: schema.TriggerMatched{
			Pattern:     fmt.Sprintf("trigger:%d", e.TriggerID),
			MatchedText: e.Text,
			Line:        e.Row,
		}}
	case terminal.ZoneOpened:
		return schema.Event{Kind: kind, Payload: schema.ZoneEvent{ZoneID: e.ZoneID, ZoneType: e.ZoneType, Event: "opened"}}
	case terminal.ZoneClosed:
		return schema.Event{Kind: kind, Payload: schema.ZoneEvent{ZoneID: e.ZoneID, ZoneType: e.ZoneType, Event: "closed"}}
	case terminal.ZoneScrolledOut:
		return schema.Event{Kind: kind, Payload: schema.ZoneEvent{ZoneID: e.ZoneID, ZoneType: e.ZoneType, Event: "scrolled_out"}}
	case terminal.ModeChanged:
		return schema.NewGenericEvent(kind, map[string]any{"mode": e.Mode, "enabled": e.Enabled})
	case terminal.HyperlinkAdded:
		return schema.NewGenericEvent(kind, map[string]any{"url": e.URL, "row": e.Row, "col": e.Col})
	case terminal.ProgressBarChanged:
		return schema.NewGenericEvent(kind, map[string]any{"id": e.ID, "state": e.State, "percent": e.Percent})
	case terminal.RemoteHostTransition:
		return schema.NewGenericEvent(kind, map[string]any{"hostname": e.Hostname, "username": e.Username})
	case terminal.FileTransfer:
		fields := map[string]any{"id": e.ID, "name": e.Name, "bytes": e.Bytes, "total": e.Total}
		if e.Error != "" {
			fields["error"] = e.Error
		}
		return schema.NewGenericEvent(kind, fields)
	case terminal.Other:
		return schema.NewGenericEvent(kind, e.Fields)
	default:
		return schema.NewGenericEvent(kind, map[string]any{"debug": fmt.Sprintf("%+v", event)})
	}
}
