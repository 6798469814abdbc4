package core

import (
	"context"

	"pkt.systems/cdpreplay/schema"
)

// Service is the replay engine API used by the HTTP, MCP and CLI surfaces.
type Service interface {
	// RunRecording replays one recording and blocks until it finishes.
	RunRecording(ctx context.Context, req schema.RunRecordingRequest) (schema.RunRecordingResponse, error)
	// StartRecording reserves the engine and replays in the background.
	StartRecording(ctx context.Context, req schema.RunRecordingRequest) (schema.StartRunResponse, error)
	// RunAll replays every stored recording in order and blocks.
	RunAll(ctx context.Context, req schema.RunAllRequest) (schema.RunAllResponse, error)
	// StartAll reserves the engine and runs the batch in the background.
	StartAll(ctx context.Context, req schema.RunAllRequest) (schema.StartRunResponse, error)
	// AbortRun aborts the active run or batch. It is a no-op when idle.
	AbortRun(ctx context.Context, req schema.AbortRunRequest) (schema.AbortRunResponse, error)
	Status(ctx context.Context, req schema.StatusRequest) (schema.StatusResponse, error)
	ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error)
	ListRecordings(ctx context.Context, req schema.ListRecordingsRequest) (schema.ListRecordingsResponse, error)
	GetRecording(ctx context.Context, req schema.GetRecordingRequest) (schema.GetRecordingResponse, error)
	SaveRecording(ctx context.Context, req schema.SaveRecordingRequest) (schema.SaveRecordingResponse, error)
	DeleteRecording(ctx context.Context, req schema.DeleteRecordingRequest) (schema.DeleteRecordingResponse, error)
	ListRunResults(ctx context.Context, req schema.ListRunResultsRequest) (schema.ListRunResultsResponse, error)
	// Shutdown aborts any active run and waits for background runs to end.
	Shutdown(ctx context.Context) error
}
