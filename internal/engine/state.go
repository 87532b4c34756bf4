package engine

import (
	"fmt"
	"strings"
	"time"

	"chronicle/internal/protocol"
	"chronicle/internal/router"
)

// Participant is one entry of the turn queue. The first entry supervises.
type Participant struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Role    string `json:"role,omitempty" yaml:"role,omitempty"`
	Persona string `json:"persona,omitempty" yaml:"persona,omitempty"`
}

// Entry is one narrated turn.
type Entry struct {
	Turn        int       `json:"turn" yaml:"turn"`
	Round       int       `json:"round" yaml:"round"`
	Participant string    `json:"participant" yaml:"participant"`
	Content     string    `json:"content" yaml:"content"`
	Human       bool      `json:"human,omitempty" yaml:"human,omitempty"`
	At          time.Time `json:"at" yaml:"at"`
}

// State is the simulation payload owned by one engine.
type State struct {
	SessionID        string              `json:"session_id" yaml:"session_id"`
	Title            string              `json:"title,omitempty" yaml:"title,omitempty"`
	Premise          string              `json:"premise,omitempty" yaml:"premise,omitempty"`
	Log              []Entry             `json:"log" yaml:"log"`
	Queue            []Participant       `json:"queue" yaml:"queue"`
	Current          string              `json:"current" yaml:"current"`
	Memories         map[string][]string `json:"memories,omitempty" yaml:"memories,omitempty"`
	HumanControl     bool                `json:"human_control" yaml:"human_control"`
	HumanParticipant string              `json:"human_participant,omitempty" yaml:"human_participant,omitempty"`
	AwaitingInput    bool                `json:"awaiting_input" yaml:"awaiting_input"`
	Turn             int                 `json:"turn" yaml:"turn"`
	Round            int                 `json:"round" yaml:"round"`
}

// NewState builds the opening state of a session.
func NewState(sessionID, title, premise string, queue []Participant) (State, error) {
	state := State{
		SessionID: sessionID,
		Title:     title,
		Premise:   premise,
		Log:       []Entry{},
		Queue:     append([]Participant(nil), queue...),
		Memories:  make(map[string][]string, len(queue)),
		Round:     1,
	}
	if len(queue) > 0 {
		state.Current = queue[0].ID
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

func (s State) Validate() error {
	if len(s.Queue) == 0 {
		return fmt.Errorf("%w: queue is empty", ErrInvalidState)
	}
	seen := make(map[string]struct{}, len(s.Queue))
	for i, participant := range s.Queue {
		id := strings.TrimSpace(participant.ID)
		if id == "" {
			return fmt.Errorf("%w: queue entry %d has no id", ErrInvalidState, i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate participant %q", ErrInvalidState, id)
		}
		seen[id] = struct{}{}
	}
	if _, ok := seen[s.Current]; !ok {
		return fmt.Errorf("%w: current participant %q is not in the queue", ErrInvalidState, s.Current)
	}
	if s.HumanControl {
		if _, ok := seen[s.HumanParticipant]; !ok || s.HumanParticipant == s.Queue[0].ID {
			return fmt.Errorf("%w: human participant %q cannot be controlled", ErrInvalidState, s.HumanParticipant)
		}
	}
	if s.Turn < 0 || s.Round < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvalidState)
	}
	return nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	clone := s
	clone.Log = append([]Entry{}, s.Log...)
	clone.Queue = append([]Participant(nil), s.Queue...)
	clone.Memories = make(map[string][]string, len(s.Memories))
	for id, notes := range s.Memories {
		clone.Memories[id] = append([]string(nil), notes...)
	}
	return clone
}

func (s State) QueueIDs() []string {
	ids := make([]string, len(s.Queue))
	for i, participant := range s.Queue {
		ids[i] = participant.ID
	}
	return ids
}

func (s State) Supervisor() string {
	return router.Supervisor(s.QueueIDs())
}

func (s State) Participant(id string) (Participant, bool) {
	for _, participant := range s.Queue {
		if participant.ID == id {
			return participant, true
		}
	}
	return Participant{}, false
}

// View converts the state into its wire representation.
func (s State) View(run RunState) protocol.StateView {
	view := protocol.StateView{
		SessionID:        s.SessionID,
		Title:            s.Title,
		Premise:          s.Premise,
		Log:              make([]protocol.EntryView, len(s.Log)),
		Queue:            make([]protocol.ParticipantView, len(s.Queue)),
		Current:          s.Current,
		HumanControl:     s.HumanControl,
		HumanParticipant: s.HumanParticipant,
		AwaitingInput:    s.AwaitingInput,
		Turn:             s.Turn,
		Round:            s.Round,
		Run: protocol.RunView{
			Autopilot:    run.Autopilot,
			Paused:       run.Paused,
			Speed:        string(run.Speed),
			Retries:      run.Retries,
			TurnInFlight: run.TurnInFlight,
			PendingNudge: run.PendingNudge,
		},
	}
	for i, entry := range s.Log {
		view.Log[i] = protocol.EntryView{
			Turn:        entry.Turn,
			Round:       entry.Round,
			Participant: entry.Participant,
			Content:     entry.Content,
			Human:       entry.Human,
			At:          entry.At,
		}
	}
	for i, participant := range s.Queue {
		view.Queue[i] = protocol.ParticipantView{ID: participant.ID, Name: participant.Name, Role: participant.Role}
	}
	if len(s.Memories) > 0 {
		view.Memories = make(map[string][]string, len(s.Memories))
		for id, notes := range s.Memories {
			view.Memories[id] = append([]string(nil), notes...)
		}
	}
	return view
}
