package schema

import (
	"encoding/json"
	"strings"
)

// EventKind names a host→script event on the wire.
type EventKind string

const (
	// EventBellRang indicates the terminal bell rang.
	EventBellRang EventKind = "BellRang"
	// EventTitleChanged indicates the window title changed.
	EventTitleChanged EventKind = "TitleChanged"
	// EventSizeChanged indicates the terminal grid was resized.
	EventSizeChanged EventKind = "SizeChanged"
	// EventCwdChanged indicates the shell working directory changed.
	EventCwdChanged EventKind = "CwdChanged"
	// EventVariableChanged indicates a user variable changed.
	EventVariableChanged EventKind = "VariableChanged"
	// EventEnvironmentChanged indicates a shell environment variable changed.
	EventEnvironmentChanged EventKind = "EnvironmentChanged"
	// EventBadgeChanged indicates the badge text changed.
	EventBadgeChanged EventKind = "BadgeChanged"
	// EventCommandComplete indicates a shell command finished.
	EventCommandComplete EventKind = "CommandComplete"
	// EventTriggerMatched indicates a configured trigger matched output.
	EventTriggerMatched EventKind = "TriggerMatched"
	// EventZoneOpened indicates a semantic zone opened.
	EventZoneOpened EventKind = "ZoneOpened"
	// EventZoneClosed indicates a semantic zone closed.
	EventZoneClosed EventKind = "ZoneClosed"
	// EventZoneScrolledOut indicates a semantic zone left the scrollback.
	EventZoneScrolledOut EventKind = "ZoneScrolledOut"
)

// Event is a host→script message: a kind plus one payload variant.
type Event struct {
	Kind    EventKind
	Payload EventPayload
}

// EventPayload is the closed set of event payload variants.
type EventPayload interface {
	isEventPayload()
}

// Empty carries no fields.
type Empty struct{}

// CwdChanged carries the new working directory.
type CwdChanged struct {
	Cwd string `json:"cwd"`
}

// CommandComplete carries a finished shell command and its exit code, when known.
type CommandComplete struct {
	Command  string `json:"command"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// TitleChanged carries the new title.
type TitleChanged struct {
	Title string `json:"title"`
}

// SizeChanged carries the new grid size.
type SizeChanged struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// VariableChanged carries a user variable update.
type VariableChanged struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	OldValue *string `json:"old_value,omitempty"`
}

// EnvironmentChanged carries a shell environment update.
type EnvironmentChanged struct {
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	OldValue *string `json:"old_value,omitempty"`
}

// BadgeChanged carries the new badge text.
type BadgeChanged struct {
	Text string `json:"text"`
}

// TriggerMatched carries a trigger hit.
type TriggerMatched struct {
	Pattern     string `json:"pattern"`
	MatchedText string `json:"matched_text"`
	Line        int    `json:"line"`
}

// ZoneEvent carries a semantic zone transition ("opened", "closed", "scrolled_out").
type ZoneEvent struct {
	ZoneID   uint64 `json:"zone_id"`
	ZoneType string `json:"zone_type"`
	Event    string `json:"event"`
}

// Generic carries any event the other variants cannot represent.
type Generic struct {
	Fields map[string]any
}

func (Empty) isEventPayload()              {}
func (CwdChanged) isEventPayload()         {}
func (CommandComplete) isEventPayload()    {}
func (TitleChanged) isEventPayload()       {}
func (SizeChanged) isEventPayload()        {}
func (VariableChanged) isEventPayload()    {}
func (EnvironmentChanged) isEventPayload() {}
func (BadgeChanged) isEventPayload()       {}
func (TriggerMatched) isEventPayload()     {}
func (ZoneEvent) isEventPayload()          {}
func (Generic) isEventPayload()            {}

var eventDecoders = map[EventKind]func([]byte) (EventPayload, error){
	EventBellRang:           decodePayload[Empty],
	EventTitleChanged:       decodePayload[TitleChanged],
	EventSizeChanged:        decodePayload[SizeChanged],
	EventCwdChanged:         decodePayload[CwdChanged],
	EventVariableChanged:    decodePayload[VariableChanged],
	EventEnvironmentChanged: decodePayload[EnvironmentChanged],
	EventBadgeChanged:       decodePayload[BadgeChanged],
	EventCommandComplete:    decodePayload[CommandComplete],
	EventTriggerMatched:     decodePayload[TriggerMatched],
	EventZoneOpened:         decodePayload[ZoneEvent],
	EventZoneClosed:         decodePayload[ZoneEvent],
	EventZoneScrolledOut:    decodePayload[ZoneEvent],
}

func decodePayload[T EventPayload](line []byte) (EventPayload, error) {
	var payload T
	if err := json.Unmarshal(line, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// KnownEventKind reports whether kind has a dedicated payload variant.
func KnownEventKind(kind EventKind) bool {
	_, ok := eventDecoders[kind]
	return ok
}

// NewGenericEvent builds a Generic event, dropping a "kind" entry from fields.
func NewGenericEvent(kind EventKind, fields map[string]any) Event {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if key == "kind" {
			continue
		}
		out[key] = value
	}
	return Event{Kind: kind, Payload: Generic{Fields: out}}
}

// EncodeEvent renders an event as one JSON object (without trailing newline).
func EncodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEvent parses one event line. Unknown kinds decode to Generic.
func DecodeEvent(line []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, newDecodeError(DirectionEvent, line, err)
	}
	kind, err := readTag(raw, "kind")
	if err != nil {
		return Event{}, newDecodeError(DirectionEvent, line, err)
	}
	decode, ok := eventDecoders[EventKind(kind)]
	if !ok {
		fields := make(map[string]any, len(raw))
		for key, value := range raw {
			if key == "kind" {
				continue
			}
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return Event{}, newDecodeError(DirectionEvent, line, err)
			}
			fields[key] = decoded
		}
		return Event{Kind: EventKind(kind), Payload: Generic{Fields: fields}}, nil
	}
	payload, err := decode(line)
	if err != nil {
		return Event{}, newDecodeError(DirectionEvent, line, err)
	}
	return Event{Kind: EventKind(kind), Payload: payload}, nil
}

// MarshalJSON flattens the payload next to the "kind" tag.
func (e Event) MarshalJSON() ([]byte, error) {
	if strings.TrimSpace(string(e.Kind)) == "" {
		return nil, ErrMissingTag
	}
	fields := make(map[string]any)
	switch payload := e.Payload.(type) {
	case nil, Empty:
	case Generic:
		for key, value := range payload.Fields {
			fields[key] = value
		}
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var flat map[string]json.RawMessage
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, err
		}
		for key, value := range flat {
			fields[key] = value
		}
	}
	fields["kind"] = e.Kind
	return json.Marshal(fields)
}

// UnmarshalJSON decodes with the same rules as DecodeEvent.
func (e *Event) UnmarshalJSON(data []byte) error {
	event, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	*e = event
	return nil
}

func readTag(raw map[string]json.RawMessage, name string) (string, error) {
	value, ok := raw[name]
	if !ok {
		return "", ErrMissingTag
	}
	var tag string
	if err := json.Unmarshal(value, &tag); err != nil {
		return "", err
	}
	if strings.TrimSpace(tag) == "" {
		return "", ErrMissingTag
	}
	return tag, nil
}
