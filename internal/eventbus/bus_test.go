package eventbus

import (
	"testing"
	"time"

	"pkt.systems/termscript/core"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("watcher")
	defer cancel()

	event := core.OutputEvent{Script: "watcher", ID: 1, Stream: core.StreamLog, Lines: []string{"[info] hi"}}
	bus.OnScriptOutput(event)

	select {
	case got := <-ch:
		if got.Type != EventOutput {
			t.Fatalf("expected output event, got %v", got.Type)
		}
		if got.Output.Script != event.Script || got.Output.ID != event.ID || got.Output.Lines[0] != "[info] hi" {
			t.Fatalf("unexpected payload: %+v", got.Output)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestAllScriptsReceivesEveryScript(t *testing.T) {
	bus := New(nil)
	all, cancelAll := bus.Subscribe(AllScripts)
	defer cancelAll()
	other, cancelOther := bus.Subscribe("other")
	defer cancelOther()

	bus.OnScriptState(core.StateEvent{Script: "watcher", ID: 2, State: core.StateRunning})

	select {
	case got := <-all:
		if got.Type != EventState || got.Script() != "watcher" || got.State.State != core.StateRunning {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case got := <-other:
		t.Fatalf("unrelated subscriber received %+v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("watcher")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("watcher")
	defer cancel()

	var sendCh chan Event
	bus.mu.Lock()
	for ch := range bus.subs["watcher"] {
		sendCh = ch
		break
	}
	bus.mu.Unlock()
	if sendCh == nil {
		t.Fatalf("expected subscriber channel")
	}
	sendCh <- Event{Type: EventOutput}
	done := make(chan struct{})
	go func() {
		bus.OnScriptOutput(core.OutputEvent{Script: "watcher"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}
