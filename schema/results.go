package schema

import "time"

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Index      int        `json:"index"`
	Type       StepType   `json:"type"`
	Status     StepStatus `json:"status"`
	DurationMS int64      `json:"durationMs"`
	Error      string     `json:"error,omitempty"`
}

// FailedStep identifies the step that halted a run.
type FailedStep struct {
	Index int      `json:"index"`
	Type  StepType `json:"type"`
	Error string   `json:"error"`
}

// RunResult is the immutable record of one replay run.
type RunResult struct {
	RunID          RunID        `json:"runId"`
	RecordingID    RecordingID  `json:"recordingId"`
	RecordingTitle string       `json:"recordingTitle,omitempty"`
	TabID          TabID        `json:"tabId"`
	Passed         bool         `json:"passed"`
	Aborted        bool         `json:"aborted,omitempty"`
	TotalSteps     int          `json:"totalSteps"`
	CompletedSteps int          `json:"completedSteps"`
	FailedStep     *FailedStep  `json:"failedStep,omitempty"`
	Error          string       `json:"error,omitempty"`
	StepResults    []StepResult `json:"stepResults"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
}

// Duration returns the wall time of the run.
func (r RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// BatchResult summarizes a run over every stored recording.
type BatchResult struct {
	BatchID    RunID       `json:"batchId"`
	TabID      TabID       `json:"tabId"`
	Total      int         `json:"total"`
	Passed     int         `json:"passed"`
	Failed     int         `json:"failed"`
	Aborted    bool        `json:"aborted,omitempty"`
	Runs       []RunResult `json:"runs"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
}
