// Package party loads the rosters that seed new sessions.
package party

import (
	"fmt"
	"regexp"
	"strings"

	"chronicle/internal/engine"
)

type Member struct {
	ID       string   `toml:"id" json:"id"`
	Name     string   `toml:"name" json:"name"`
	Role     string   `toml:"role" json:"role,omitempty"`
	Persona  string   `toml:"persona" json:"persona,omitempty"`
	Memories []string `toml:"memories" json:"memories,omitempty"`
}

// Party is a roster: one supervisor followed by the members in turn order.
type Party struct {
	ID         string   `toml:"id" json:"id"`
	Title      string   `toml:"title" json:"title"`
	Premise    string   `toml:"premise" json:"premise,omitempty"`
	Supervisor Member   `toml:"supervisor" json:"supervisor"`
	Members    []Member `toml:"members" json:"members"`
	Source     string   `toml:"-" json:"source,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (p Party) Validate() error {
	if !idPattern.MatchString(p.ID) {
		return &ValidationError{Path: "id", Message: fmt.Sprintf("invalid party id %q", p.ID)}
	}
	if strings.TrimSpace(p.Supervisor.ID) == "" {
		return &ValidationError{Path: "supervisor.id", Message: "is required"}
	}
	seen := map[string]struct{}{p.Supervisor.ID: {}}
	for i, member := range p.Members {
		path := fmt.Sprintf("members[%d].id", i)
		if !idPattern.MatchString(member.ID) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("invalid member id %q", member.ID)}
		}
		if _, ok := seen[member.ID]; ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("duplicate member id %q", member.ID)}
		}
		seen[member.ID] = struct{}{}
	}
	return nil
}

// Queue returns the turn order with the supervisor first.
func (p Party) Queue() []engine.Participant {
	queue := make([]engine.Participant, 0, len(p.Members)+1)
	queue = append(queue, p.Supervisor.participant())
	for _, member := range p.Members {
		queue = append(queue, member.participant())
	}
	return queue
}

// NewState builds the opening state for a session played by this party.
func (p Party) NewState(sessionID string) (engine.State, error) {
	state, err := engine.NewState(sessionID, p.Title, p.Premise, p.Queue())
	if err != nil {
		return engine.State{}, fmt.Errorf("party %s: %w", p.ID, err)
	}
	for _, member := range append([]Member{p.Supervisor}, p.Members...) {
		if len(member.Memories) > 0 {
			state.Memories[member.ID] = append([]string(nil), member.Memories...)
		}
	}
	return state, nil
}

func (m Member) participant() engine.Participant {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = m.ID
	}
	return engine.Participant{ID: m.ID, Name: name, Role: m.Role, Persona: m.Persona}
}
