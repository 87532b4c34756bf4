// Package narrator provides turn executors and the visibility rules that
// decide what each participant knows when it acts.
package narrator

import "chronicle/internal/engine"

// WindowedVisibility shows the most recent Window log entries plus the
// participant's own memory. A zero Window shows the whole log.
type WindowedVisibility struct {
	Window int
}

func (v WindowedVisibility) View(state engine.State, participant string) engine.View {
	self, _ := state.Participant(participant)
	log := state.Log
	if v.Window > 0 && len(log) > v.Window {
		log = log[len(log)-v.Window:]
	}
	return engine.View{
		Title:       state.Title,
		Premise:     state.Premise,
		Participant: self,
		Queue:       append([]engine.Participant(nil), state.Queue...),
		Log:         append([]engine.Entry(nil), log...),
		Memory:      append([]string(nil), state.Memories[participant]...),
	}
}
