package cdpreplay

import (
	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

// newEventFanout drops nil sinks and collapses a single sink.
func newEventFanout(sinks ...core.EventSink) core.EventSink {
	kept := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return eventFanout{sinks: kept}
}

func (f eventFanout) OnStepProgress(event schema.StepProgressEvent) {
	for _, sink := range f.sinks {
		sink.OnStepProgress(event)
	}
}

func (f eventFanout) OnRunCompleted(event schema.RunCompletedEvent) {
	for _, sink := range f.sinks {
		sink.OnRunCompleted(event)
	}
}

func (f eventFanout) OnBatchProgress(event schema.BatchProgressEvent) {
	for _, sink := range f.sinks {
		sink.OnBatchProgress(event)
	}
}

func (f eventFanout) OnBatchCompleted(event schema.BatchCompletedEvent) {
	for _, sink := range f.sinks {
		sink.OnBatchCompleted(event)
	}
}
