package core

import (
	"context"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// RecordingStore persists recordings and run history.
type RecordingStore interface {
	GetRecording(ctx context.Context, id schema.RecordingID) (schema.Recording, error)
	ListRecordings(ctx context.Context) ([]schema.Recording, error)
	SaveRecording(ctx context.Context, rec schema.Recording) error
	DeleteRecording(ctx context.Context, id schema.RecordingID) error
	AppendRunResult(ctx context.Context, result schema.RunResult) error
	ListRunResults(ctx context.Context, id schema.RecordingID, limit int) ([]schema.RunResult, error)
}

// ServiceDeps captures the collaborators of the replay service.
type ServiceDeps struct {
	Browser   Browser
	Store     RecordingStore
	EventSink EventSink
	Logger    pslog.Logger
}
