package termscript

import "pkt.systems/termscript/core"

type eventFanout struct {
	sinks []core.OutputSink
}

func (f eventFanout) OnScriptOutput(event core.OutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnScriptOutput(event)
	}
}

func (f eventFanout) OnScriptState(event core.StateEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnScriptState(event)
	}
}
