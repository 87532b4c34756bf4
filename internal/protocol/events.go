package protocol

import "encoding/json"

// EventType identifies a server to client message.
type EventType string

const (
	EventTurnUpdate       EventType = "turn_update"
	EventAutopilotStarted EventType = "autopilot_started"
	EventAutopilotStopped EventType = "autopilot_stopped"
	EventError            EventType = "error"
	EventSessionState     EventType = "session_state"
	EventDropIn           EventType = "drop_in"
	EventReleaseControl   EventType = "release_control"
	EventAwaitingInput    EventType = "awaiting_input"
	EventNudgeReceived    EventType = "nudge_received"
	EventSpeedChanged     EventType = "speed_changed"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
	EventRoundComplete    EventType = "round_complete"
)

// Event is implemented by every outbound message.
type Event interface {
	EventType() EventType
}

type TurnUpdateEvent struct {
	Type    EventType `json:"type"`
	Turn    int       `json:"turn"`
	Agent   string    `json:"agent"`
	Content string    `json:"content"`
	Human   bool      `json:"human"`
	State   StateView `json:"state"`
}

type AutopilotStartedEvent struct {
	Type  EventType `json:"type"`
	Speed string    `json:"speed"`
}

type AutopilotStoppedEvent struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason"`
}

type ErrorEvent struct {
	Type        EventType `json:"type"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Code        string    `json:"code,omitempty"`
}

type SessionStateEvent struct {
	Type  EventType `json:"type"`
	State StateView `json:"state"`
}

type DropInEvent struct {
	Type      EventType `json:"type"`
	Character string    `json:"character"`
}

type ReleaseControlEvent struct {
	Type      EventType `json:"type"`
	Character string    `json:"character,omitempty"`
}

type AwaitingInputEvent struct {
	Type      EventType `json:"type"`
	Character string    `json:"character"`
}

type NudgeReceivedEvent struct {
	Type EventType `json:"type"`
}

type SpeedChangedEvent struct {
	Type  EventType `json:"type"`
	Speed string    `json:"speed"`
}

type PausedEvent struct {
	Type EventType `json:"type"`
}

type ResumedEvent struct {
	Type EventType `json:"type"`
}

type RoundCompleteEvent struct {
	Type  EventType `json:"type"`
	Round int       `json:"round"`
}

func (TurnUpdateEvent) EventType() EventType       { return EventTurnUpdate }
func (AutopilotStartedEvent) EventType() EventType { return EventAutopilotStarted }
func (AutopilotStoppedEvent) EventType() EventType { return EventAutopilotStopped }
func (ErrorEvent) EventType() EventType            { return EventError }
func (SessionStateEvent) EventType() EventType     { return EventSessionState }
func (DropInEvent) EventType() EventType           { return EventDropIn }
func (ReleaseControlEvent) EventType() EventType   { return EventReleaseControl }
func (AwaitingInputEvent) EventType() EventType    { return EventAwaitingInput }
func (NudgeReceivedEvent) EventType() EventType    { return EventNudgeReceived }
func (SpeedChangedEvent) EventType() EventType     { return EventSpeedChanged }
func (PausedEvent) EventType() EventType           { return EventPaused }
func (ResumedEvent) EventType() EventType          { return EventResumed }
func (RoundCompleteEvent) EventType() EventType    { return EventRoundComplete }

func NewTurnUpdate(turn int, agent, content string, human bool, state StateView) TurnUpdateEvent {
	return TurnUpdateEvent{Type: EventTurnUpdate, Turn: turn, Agent: agent, Content: content, Human: human, State: state}
}

func NewAutopilotStarted(speed string) AutopilotStartedEvent {
	return AutopilotStartedEvent{Type: EventAutopilotStarted, Speed: speed}
}

func NewAutopilotStopped(reason string) AutopilotStoppedEvent {
	return AutopilotStoppedEvent{Type: EventAutopilotStopped, Reason: reason}
}

func NewError(message string, recoverable bool) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message, Recoverable: recoverable}
}

func NewSessionState(state StateView) SessionStateEvent {
	return SessionStateEvent{Type: EventSessionState, State: state}
}

func NewDropIn(character string) DropInEvent {
	return DropInEvent{Type: EventDropIn, Character: character}
}

func NewReleaseControl(character string) ReleaseControlEvent {
	return ReleaseControlEvent{Type: EventReleaseControl, Character: character}
}

func NewAwaitingInput(character string) AwaitingInputEvent {
	return AwaitingInputEvent{Type: EventAwaitingInput, Character: character}
}

func NewNudgeReceived() NudgeReceivedEvent {
	return NudgeReceivedEvent{Type: EventNudgeReceived}
}

func NewSpeedChanged(speed string) SpeedChangedEvent {
	return SpeedChangedEvent{Type: EventSpeedChanged, Speed: speed}
}

func NewPaused() PausedEvent {
	return PausedEvent{Type: EventPaused}
}

func NewResumed() ResumedEvent {
	return ResumedEvent{Type: EventResumed}
}

func NewRoundComplete(round int) RoundCompleteEvent {
	return RoundCompleteEvent{Type: EventRoundComplete, Round: round}
}

// EncodeEvent marshals an event for a text frame.
func EncodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEventType extracts the discriminator of an encoded event.
func DecodeEventType(payload []byte) (EventType, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", err
	}
	return envelope.Type, nil
}
