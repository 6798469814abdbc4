package schema

import "time"

// Run control.

// RunRecordingRequest describes a request to replay one recording.
type RunRecordingRequest struct {
	RecordingID RecordingID
	TabID       TabID
}

// RunRecordingResponse reports the finished run.
type RunRecordingResponse struct {
	Result RunResult
}

// RunAllRequest describes a request to replay every stored recording.
type RunAllRequest struct {
	TabID TabID
}

// RunAllResponse reports the finished batch.
type RunAllResponse struct {
	Result BatchResult
}

// StartRunResponse reports a run accepted for background execution.
type StartRunResponse struct {
	RunID RunID
	TabID TabID
}

// AbortRunRequest describes a request to abort the active run.
type AbortRunRequest struct{}

// AbortRunResponse reports whether anything was aborted.
type AbortRunResponse struct {
	Aborted bool
	RunID   RunID
}

// StatusRequest describes a request for engine status.
type StatusRequest struct{}

// StatusResponse reports the engine status.
type StatusResponse struct {
	Active      bool        `json:"active"`
	Batch       bool        `json:"batch,omitempty"`
	RunID       RunID       `json:"runId,omitempty"`
	RecordingID RecordingID `json:"recordingId,omitempty"`
	TabID       TabID       `json:"tabId,omitempty"`
	StepIndex   int         `json:"stepIndex"`
	TotalSteps  int         `json:"totalSteps"`
	Aborted     bool        `json:"aborted,omitempty"`
	StartedAt   time.Time   `json:"startedAt,omitempty"`
}

// Browser.

// ListTabsRequest describes a request to list browser tabs.
type ListTabsRequest struct{}

// ListTabsResponse reports page targets.
type ListTabsResponse struct {
	Tabs []TabInfo
}

// Recordings.

// ListRecordingsRequest describes a request to list recordings.
type ListRecordingsRequest struct{}

// ListRecordingsResponse reports recording summaries.
type ListRecordingsResponse struct {
	Recordings []RecordingSummary
}

// GetRecordingRequest describes a request to load one recording.
type GetRecordingRequest struct {
	RecordingID RecordingID
}

// GetRecordingResponse reports the recording.
type GetRecordingResponse struct {
	Recording Recording
}

// SaveRecordingRequest describes a request to store a recording.
type SaveRecordingRequest struct {
	Recording Recording
}

// SaveRecordingResponse reports the stored recording summary.
type SaveRecordingResponse struct {
	Recording RecordingSummary
}

// DeleteRecordingRequest describes a request to delete a recording.
type DeleteRecordingRequest struct {
	RecordingID RecordingID
}

// DeleteRecordingResponse reports the deleted recording id.
type DeleteRecordingResponse struct {
	RecordingID RecordingID
}

// ListRunResultsRequest describes a request for run history.
type ListRunResultsRequest struct {
	RecordingID RecordingID
	Limit       int
}

// ListRunResultsResponse reports run history, newest first.
type ListRunResultsResponse struct {
	Results []RunResult
}
