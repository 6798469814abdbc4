package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/cdpreplay/schema"
)

// StepErrorKind classifies step failures for reporting.
type StepErrorKind string

const (
	// StepErrorNotFound means no selector candidate resolved.
	StepErrorNotFound StepErrorKind = "element_not_found"
	// StepErrorTimeout means a hard wait expired.
	StepErrorTimeout StepErrorKind = "timeout"
	// StepErrorDetached means the debugger session was lost for good.
	StepErrorDetached StepErrorKind = "detached"
	// StepErrorAborted means the run was aborted while the step ran.
	StepErrorAborted StepErrorKind = "aborted"
	// StepErrorInvalid means the step itself is malformed.
	StepErrorInvalid StepErrorKind = "invalid"
	// StepErrorProtocol is any other protocol or page failure.
	StepErrorProtocol StepErrorKind = "protocol"
)

// StepError wraps a failure with the step that produced it.
type StepError struct {
	Index int
	Type  schema.StepType
	Kind  StepErrorKind
	Err   error
}

func newStepError(index int, stepType schema.StepType, err error) *StepError {
	return &StepError{Index: index, Type: stepType, Kind: classifyStepError(err), Err: err}
}

func (e *StepError) Error() string {
	if e == nil {
		return "step error"
	}
	return fmt.Sprintf("step %d (%s): %s", e.Index+1, e.Type, e.Message())
}

// Message is the user-facing reason without the step prefix.
func (e *StepError) Message() string {
	if e == nil || e.Err == nil {
		return "failed"
	}
	return conciseError(e.Err)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ElementNotFoundError lists every candidate tried by the resolver.
type ElementNotFoundError struct {
	Candidates []string
}

func (e *ElementNotFoundError) Error() string {
	if e == nil || len(e.Candidates) == 0 {
		return schema.ErrElementNotFound.Error()
	}
	return fmt.Sprintf("%s (tried: %s)", schema.ErrElementNotFound, strings.Join(e.Candidates, ", "))
}

func (e *ElementNotFoundError) Is(target error) bool {
	return target == schema.ErrElementNotFound
}

func classifyStepError(err error) StepErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, schema.ErrSessionAborted), errors.Is(err, schema.ErrUserCancelled), errors.Is(err, context.Canceled):
		return StepErrorAborted
	case errors.Is(err, schema.ErrElementNotFound):
		return StepErrorNotFound
	case errors.Is(err, schema.ErrStepTimeout), errors.Is(err, context.DeadlineExceeded):
		return StepErrorTimeout
	case errors.Is(err, schema.ErrReattachTimeout), errors.Is(err, schema.ErrSessionDetached):
		return StepErrorDetached
	case errors.Is(err, schema.ErrInvalidRequest):
		return StepErrorInvalid
	default:
		return StepErrorProtocol
	}
}

// conciseError keeps the first line of an error and bounds its length so
// protocol dumps never reach the operator.
func conciseError(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	msg = strings.TrimSpace(msg)
	const maxLen = 240
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}

func timeoutError(err error) error {
	if err == nil {
		return schema.ErrStepTimeout
	}
	return fmt.Errorf("%w: %w", schema.ErrStepTimeout, err)
}
