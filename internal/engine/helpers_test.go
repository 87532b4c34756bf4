package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/protocol"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	cursor int
}

func (r *recorder) broadcast(event protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *recorder) count(eventType protocol.EventType) int {
	total := 0
	for _, event := range r.all() {
		if event.EventType() == eventType {
			total++
		}
	}
	return total
}

// waitFor returns the next event of the given type after the previous match.
func (r *recorder) waitFor(t *testing.T, eventType protocol.EventType) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for r.cursor < len(r.events) {
			event := r.events[r.cursor]
			r.cursor++
			if event.EventType() == eventType {
				r.mu.Unlock()
				return event
			}
		}
		r.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", eventType)
	return nil
}

type sinkFunc func(protocol.Event) error

func (f sinkFunc) Send(event protocol.Event) error {
	return f(event)
}

// flush waits until every event emitted so far has been delivered.
func flush(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.SendSnapshot(context.Background(), sinkFunc(func(protocol.Event) error { return nil })); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func testQueue() []Participant {
	return []Participant{
		{ID: "dm", Name: "Dungeon Master", Role: "supervisor"},
		{ID: "fighter", Name: "Brakka", Role: "fighter"},
		{ID: "rogue", Name: "Vell", Role: "rogue"},
	}
}

func echoExecutor() TurnExecutor {
	return TurnExecutorFunc(func(ctx context.Context, request TurnRequest) (TurnResult, error) {
		return TurnResult{Content: request.Participant.Name + " acts"}, nil
	})
}

func fastPacing() Pacing {
	return Pacing{Slow: 3 * time.Millisecond, Normal: 2 * time.Millisecond, Fast: time.Millisecond}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *recorder) {
	t.Helper()
	if opts.Executor == nil {
		opts.Executor = echoExecutor()
	}
	if opts.Pacing == (Pacing{}) {
		opts.Pacing = fastPacing()
	}
	if opts.SessionID == "" {
		opts.SessionID = "tavern"
	}
	opts.Logger = logging.NewDiscardLogger()
	opts.Metrics = &metrics.Registry{}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)

	rec := &recorder{}
	e.SetBroadcastCallback(rec.broadcast)
	state, err := NewState(opts.SessionID, "The Sunken Tavern", "Rain hammers the shutters.", testQueue())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	if err := e.LoadState(context.Background(), state); err != nil {
		t.Fatalf("load state: %v", err)
	}
	rec.waitFor(t, protocol.EventSessionState)
	return e, rec
}

func snapshot(t *testing.T, e *Engine) Snapshot {
	t.Helper()
	snap, err := e.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}
