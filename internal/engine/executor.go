package engine

import "context"

// TurnRequest describes one turn handed to the executor.
type TurnRequest struct {
	SessionID   string
	Participant Participant
	Supervisor  bool
	Turn        int
	Round       int
	Attempt     int
	// Nudge is optional direction from a viewer, only set for the supervisor.
	Nudge string
	View  View
}

type TurnResult struct {
	Content string
	// Memory is stored as the participant's private note. Content is used when empty.
	Memory string
}

type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, request TurnRequest) (TurnResult, error)
}

type TurnExecutorFunc func(ctx context.Context, request TurnRequest) (TurnResult, error)

func (f TurnExecutorFunc) ExecuteTurn(ctx context.Context, request TurnRequest) (TurnResult, error) {
	return f(ctx, request)
}

// View is what one participant is allowed to know.
type View struct {
	Title       string
	Premise     string
	Participant Participant
	Queue       []Participant
	Log         []Entry
	Memory      []string
}

type Visibility interface {
	View(state State, participant string) View
}

type VisibilityFunc func(state State, participant string) View

func (f VisibilityFunc) View(state State, participant string) View {
	return f(state, participant)
}

// SharedLogVisibility exposes the whole narration log and the participant's own memory.
var SharedLogVisibility Visibility = VisibilityFunc(func(state State, participant string) View {
	self, _ := state.Participant(participant)
	return View{
		Title:       state.Title,
		Premise:     state.Premise,
		Participant: self,
		Queue:       append([]Participant(nil), state.Queue...),
		Log:         append([]Entry(nil), state.Log...),
		Memory:      append([]string(nil), state.Memories[participant]...),
	}
})
