package schema

import "time"

// StepProgressEvent reports a step transition during a run.
type StepProgressEvent struct {
	RunID       RunID       `json:"runId"`
	RecordingID RecordingID `json:"recordingId"`
	TabID       TabID       `json:"tabId"`
	StepIndex   int         `json:"stepIndex"`
	Total       int         `json:"total"`
	Status      StepStatus  `json:"status"`
	StepType    StepType    `json:"stepType"`
	Detail      string      `json:"detail,omitempty"`
	DurationMS  int64       `json:"durationMs,omitempty"`
	Error       string      `json:"error,omitempty"`
	Auto        bool        `json:"auto,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// RunCompletedEvent reports the end of one run.
type RunCompletedEvent struct {
	Result RunResult `json:"result"`
}

// BatchProgressEvent reports the start or end of one recording in a batch.
type BatchProgressEvent struct {
	BatchID     RunID       `json:"batchId"`
	TabID       TabID       `json:"tabId"`
	Index       int         `json:"index"`
	Total       int         `json:"total"`
	RecordingID RecordingID `json:"recordingId"`
	Title       string      `json:"title,omitempty"`
	Status      StepStatus  `json:"status"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// BatchCompletedEvent reports the end of a batch.
type BatchCompletedEvent struct {
	Result BatchResult `json:"result"`
}
