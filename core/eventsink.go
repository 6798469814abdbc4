package core

import "pkt.systems/cdpreplay/schema"

// EventSink receives progress events from the replay service.
type EventSink interface {
	OnStepProgress(event schema.StepProgressEvent)
	OnRunCompleted(event schema.RunCompletedEvent)
	OnBatchProgress(event schema.BatchProgressEvent)
	OnBatchCompleted(event schema.BatchCompletedEvent)
}
