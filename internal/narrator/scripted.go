package narrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"chronicle/internal/engine"
)

var supervisorLines = []string{
	"%s The lamps gutter as something shifts beyond the door.",
	"%s A distant bell tolls, once, and the room falls quiet.",
	"%s Water seeps under the floorboards, carrying a scrap of cloth.",
	"%s A stranger at the bar lifts their head and watches the party.",
}

var participantLines = []string{
	"%s studies the room, weighing what %s just said.",
	"%s steps closer to the fire and keeps one hand near their gear.",
	"%s mutters a question nobody wants to answer.",
	"%s acts on a hunch: %s",
}

// Scripted narrates deterministic placeholder turns without any model.
type Scripted struct {
	// Delay simulates executor latency.
	Delay time.Duration
}

func (s Scripted) ExecuteTurn(ctx context.Context, request engine.TurnRequest) (engine.TurnResult, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return engine.TurnResult{}, ctx.Err()
		}
	}

	pick := choose(request.SessionID, request.Participant.ID, request.Turn)
	if request.Supervisor {
		opening := fmt.Sprintf("Round %d.", request.Round)
		if request.Nudge != "" {
			opening = fmt.Sprintf("Round %d. %s.", request.Round, strings.TrimRight(request.Nudge, "."))
		}
		content := fmt.Sprintf(supervisorLines[pick%len(supervisorLines)], opening)
		return engine.TurnResult{Content: content, Memory: fmt.Sprintf("Narrated turn %d.", request.Turn)}, nil
	}

	name := request.Participant.Name
	previous := lastSpeaker(request.View)
	template := participantLines[pick%len(participantLines)]
	var content string
	switch strings.Count(template, "%s") {
	case 1:
		content = fmt.Sprintf(template, name)
	default:
		detail := previous
		if strings.HasSuffix(template, ": %s") {
			detail = recall(request.View)
		}
		content = fmt.Sprintf(template, name, detail)
	}
	return engine.TurnResult{Content: content}, nil
}

func choose(parts ...any) int {
	hash := fnv.New32a()
	for _, part := range parts {
		fmt.Fprint(hash, part, "|")
	}
	return int(hash.Sum32() & 0x7fffffff)
}

func lastSpeaker(view engine.View) string {
	if len(view.Log) == 0 {
		return "nobody"
	}
	last := view.Log[len(view.Log)-1].Participant
	for _, participant := range view.Queue {
		if participant.ID == last {
			return participant.Name
		}
	}
	return last
}

func recall(view engine.View) string {
	if len(view.Memory) == 0 {
		return "nothing here is what it seems."
	}
	return view.Memory[len(view.Memory)-1]
}
