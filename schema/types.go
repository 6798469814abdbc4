package schema

// UserID identifies an operator account.
type UserID string

// TabID identifies a browser page target.
type TabID string

// RecordingID identifies a stored recording.
type RecordingID string

// RunID identifies one replay run.
type RunID string

// StepType discriminates the Step union.
type StepType string

const (
	StepNavigate        StepType = "navigate"
	StepClick           StepType = "click"
	StepDoubleClick     StepType = "doubleClick"
	StepHover           StepType = "hover"
	StepChange          StepType = "change"
	StepSelectOption    StepType = "selectOption"
	StepKeyDown         StepType = "keyDown"
	StepKeyUp           StepType = "keyUp"
	StepWaitForElement  StepType = "waitForElement"
	StepWaitForPageLoad StepType = "waitForPageLoad"
	StepScroll          StepType = "scroll"
	StepCopy            StepType = "copy"
	StepPaste           StepType = "paste"
	StepSaveVariable    StepType = "saveVariable"
	StepPasteVariable   StepType = "pasteVariable"
	StepWait            StepType = "wait"
	StepSetViewport     StepType = "setViewport"
)

// KnownStepTypes lists every step type the executor dispatches.
var KnownStepTypes = []StepType{
	StepNavigate,
	StepClick,
	StepDoubleClick,
	StepHover,
	StepChange,
	StepSelectOption,
	StepKeyDown,
	StepKeyUp,
	StepWaitForElement,
	StepWaitForPageLoad,
	StepScroll,
	StepCopy,
	StepPaste,
	StepSaveVariable,
	StepPasteVariable,
	StepWait,
	StepSetViewport,
}

// Known reports whether the executor has a handler for t.
func (t StepType) Known() bool {
	for _, known := range KnownStepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TabStatus mirrors the loading state of a tab.
type TabStatus string

const (
	TabLoading  TabStatus = "loading"
	TabComplete TabStatus = "complete"
)

// TabInfo describes a page target visible to the debugger.
type TabInfo struct {
	ID       TabID     `json:"id"`
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Status   TabStatus `json:"status,omitempty"`
	Attached bool      `json:"attached"`
}
