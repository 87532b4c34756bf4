package protocol

import "time"

// StateView is the client-facing snapshot of one session.
type StateView struct {
	SessionID        string              `json:"session_id"`
	Title            string              `json:"title,omitempty"`
	Premise          string              `json:"premise,omitempty"`
	Log              []EntryView         `json:"log"`
	Queue            []ParticipantView   `json:"queue"`
	Current          string              `json:"current"`
	Memories         map[string][]string `json:"memories,omitempty"`
	HumanControl     bool                `json:"human_control"`
	HumanParticipant string              `json:"human_participant,omitempty"`
	AwaitingInput    bool                `json:"awaiting_input"`
	Turn             int                 `json:"turn"`
	Round            int                 `json:"round"`
	Run              RunView             `json:"run"`
}

type EntryView struct {
	Turn        int       `json:"turn"`
	Round       int       `json:"round"`
	Participant string    `json:"participant"`
	Content     string    `json:"content"`
	Human       bool      `json:"human"`
	At          time.Time `json:"at"`
}

type ParticipantView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

type RunView struct {
	Autopilot    bool   `json:"autopilot"`
	Paused       bool   `json:"paused"`
	Speed        string `json:"speed"`
	Retries      int    `json:"retries"`
	TurnInFlight bool   `json:"turn_in_flight"`
	PendingNudge bool   `json:"pending_nudge"`
}
