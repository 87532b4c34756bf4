package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

const (
	SessionCreated   = "session_created"
	CheckpointSaved  = "checkpoint_saved"
	SessionRestored  = "session_restored"
	PartiesReloaded  = "parties_reloaded"
	AutopilotChanged = "autopilot_changed"
)

// SessionEvent captures session lifecycle changes outside the turn stream.
type SessionEvent struct {
	EventType    string            `json:"type"`
	SessionID    string            `json:"session_id,omitempty"`
	Party        string            `json:"party,omitempty"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	OccurredAt   time.Time         `json:"timestamp"`
}

func NewSessionEvent(eventType, sessionID string) SessionEvent {
	return SessionEvent{
		EventType:  eventType,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e SessionEvent) Type() string {
	return e.EventType
}

func (e SessionEvent) Timestamp() time.Time {
	return e.OccurredAt
}
