package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidRecording indicates a recording failed validation.
	ErrInvalidRecording = errors.New("invalid recording")
	// ErrRecordingNotFound indicates a recording could not be found.
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrEmptyRecording indicates a recording without steps.
	ErrEmptyRecording = errors.New("recording has no steps")
	// ErrTabNotFound indicates the requested browser tab does not exist.
	ErrTabNotFound = errors.New("tab not found")
	// ErrSessionBusy indicates a replay session is already active.
	ErrSessionBusy = errors.New("replay already in progress")
	// ErrElementNotFound indicates no selector candidate matched.
	ErrElementNotFound = errors.New("element not found")
	// ErrStepTimeout indicates a hard step deadline expired.
	ErrStepTimeout = errors.New("step timed out")
	// ErrSessionDetached indicates the debugger session was lost.
	ErrSessionDetached = errors.New("debugger detached")
	// ErrUserCancelled indicates the user dismissed the debugging banner.
	ErrUserCancelled = errors.New("debugging cancelled by user")
	// ErrSessionAborted indicates the run was aborted.
	ErrSessionAborted = errors.New("replay aborted")
	// ErrReattachTimeout indicates reattachment did not finish in time.
	ErrReattachTimeout = errors.New("reattach timed out")
	// ErrUnknownStep indicates a step type without a handler.
	ErrUnknownStep = errors.New("unknown step type")
)
