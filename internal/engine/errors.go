package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning     = errors.New("autopilot is already running")
	ErrNoStateLoaded      = errors.New("no simulation state loaded")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrNotInControl       = errors.New("no participant is under human control")
	ErrEmptyContent       = errors.New("content is empty")
	ErrNotAwaitingInput   = errors.New("not waiting for human input")
	ErrInvalidSpeed       = errors.New("invalid speed")
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	ErrTurnInProgress     = errors.New("a turn is already in progress")
	ErrAwaitingInput      = errors.New("waiting for human input")
	ErrBusy               = errors.New("engine is busy")
	ErrEngineClosed       = errors.New("engine is closed")
	ErrInvalidState       = errors.New("invalid simulation state")
	ErrNoExecutor         = errors.New("turn executor is required")
)

type FailureCategory string

const (
	CategoryTimeout       FailureCategory = "timeout"
	CategoryUpstream      FailureCategory = "upstream"
	CategoryInvalidOutput FailureCategory = "invalid_output"
	CategoryStructural    FailureCategory = "structural"
)

// TurnError is returned when a turn could not be produced.
type TurnError struct {
	Category    FailureCategory
	Participant string
	Attempt     int
	Err         error
}

func (e *TurnError) Error() string {
	if e == nil {
		return ""
	}
	message := "turn failed"
	if e.Participant != "" {
		message = fmt.Sprintf("turn for %s failed", e.Participant)
	}
	if e.Category != "" {
		message = fmt.Sprintf("%s (%s)", message, e.Category)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *TurnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Recoverable reports whether the turn may be retried.
func (e *TurnError) Recoverable() bool {
	return e != nil && e.Category != CategoryStructural
}

func classifyTurnError(err error, participant string, attempt int) *TurnError {
	if err == nil {
		return nil
	}
	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		classified := *turnErr
		if classified.Category == "" {
			classified.Category = CategoryUpstream
		}
		if classified.Participant == "" {
			classified.Participant = participant
		}
		if classified.Attempt == 0 {
			classified.Attempt = attempt
		}
		return &classified
	}
	category := CategoryUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		category = CategoryTimeout
	}
	return &TurnError{Category: category, Participant: participant, Attempt: attempt, Err: err}
}
