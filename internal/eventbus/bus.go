package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termscript/core"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventOutput carries script output lines.
	EventOutput EventType = "output"
	// EventState carries script lifecycle transitions.
	EventState EventType = "state"
)

// AllScripts subscribes to events from every script.
const AllScripts = ""

// Event represents a host event delivered to subscribers.
type Event struct {
	Type   EventType
	Output core.OutputEvent
	State  core.StateEvent
}

// Script returns the script name the event belongs to.
func (e Event) Script() string {
	if e.Type == EventState {
		return e.State.Script
	}
	return e.Output.Script
}

// Bus fans out host events to per-script subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[string]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the script (AllScripts for every
// script) and returns a channel + cancel.
func (b *Bus) Subscribe(script string) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	scriptSubs := b.subs[script]
	if scriptSubs == nil {
		scriptSubs = make(map[chan Event]struct{})
		b.subs[script] = scriptSubs
	}
	scriptSubs[ch] = struct{}{}
	count := len(scriptSubs)
	b.mu.Unlock()
	b.log.With("script", script).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[script]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, script)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("script", script).Debug("eventbus unsubscribe")
		})
	}
}

// OnScriptOutput publishes an output event.
func (b *Bus) OnScriptOutput(event core.OutputEvent) {
	b.publish(Event{Type: EventOutput, Output: event})
}

// OnScriptState publishes a state event.
func (b *Bus) OnScriptState(event core.StateEvent) {
	b.publish(Event{Type: EventState, State: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	script := event.Script()
	b.mu.Lock()
	subs := make([]chan Event, 0, len(b.subs[script])+len(b.subs[AllScripts]))
	for sub := range b.subs[script] {
		subs = append(subs, sub)
	}
	if script != AllScripts {
		for sub := range b.subs[AllScripts] {
			subs = append(subs, sub)
		}
	}
	// Sends stay under the lock; cancel closes channels while holding it.
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("script", script).Trace("eventbus dropped", "count", dropped)
	}
}
