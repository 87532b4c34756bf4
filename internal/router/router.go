// Package router decides which participant acts next in a round.
package router

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrEmptyQueue is returned when there is nobody to route to.
	ErrEmptyQueue = errors.New("turn queue is empty")
	// ErrUnknownParticipant is returned when the acting participant is not queued.
	// The concrete error is an *UnknownParticipantError naming the participant.
	ErrUnknownParticipant = errors.New("participant is not in the turn queue")
)

// UnknownParticipantError reports a participant that is not part of the queue.
type UnknownParticipantError struct {
	Participant string
}

func (e *UnknownParticipantError) Error() string {
	return fmt.Sprintf("participant %q is not in the turn queue", e.Participant)
}

func (e *UnknownParticipantError) Unwrap() error {
	return ErrUnknownParticipant
}

// Kind classifies a routing decision.
type Kind int

const (
	// KindAgent routes the turn to the turn executor.
	KindAgent Kind = iota
	// KindAwaitingHuman routes the turn to the human controlling the participant.
	KindAwaitingHuman
	// KindRoundComplete ends the round; callers restart from the supervisor.
	KindRoundComplete
)

func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindAwaitingHuman:
		return "awaiting_human"
	case KindRoundComplete:
		return "round_complete"
	default:
		return "unknown"
	}
}

// Decision is the outcome of routing. Participant is empty for KindRoundComplete.
type Decision struct {
	Kind        Kind
	Participant string
}

func (d Decision) RoundComplete() bool {
	return d.Kind == KindRoundComplete
}

// Next returns who acts after current. The queue head is the supervisor.
func Next(current string, queue []string, humanControlActive bool, humanParticipant string) (Decision, error) {
	if len(queue) == 0 {
		return Decision{}, ErrEmptyQueue
	}
	index := slices.Index(queue, current)
	if index < 0 {
		return Decision{}, &UnknownParticipantError{Participant: current}
	}
	if index == len(queue)-1 {
		return Decision{Kind: KindRoundComplete}, nil
	}
	return decide(queue[index+1], humanControlActive, humanParticipant), nil
}

// Start returns the first actor of a new round.
func Start(queue []string, humanControlActive bool, humanParticipant string) (Decision, error) {
	if len(queue) == 0 {
		return Decision{}, ErrEmptyQueue
	}
	return decide(queue[0], humanControlActive, humanParticipant), nil
}

// Supervisor returns the privileged first entry of the queue.
func Supervisor(queue []string) string {
	if len(queue) == 0 {
		return ""
	}
	return queue[0]
}

// Contains reports whether participant is part of the queue.
func Contains(queue []string, participant string) bool {
	return slices.Contains(queue, participant)
}

func decide(participant string, humanControlActive bool, humanParticipant string) Decision {
	if humanControlActive && participant != "" && participant == humanParticipant {
		return Decision{Kind: KindAwaitingHuman, Participant: participant}
	}
	return Decision{Kind: KindAgent, Participant: participant}
}
