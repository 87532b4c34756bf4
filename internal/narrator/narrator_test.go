package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chronicle/internal/engine"
)

func testRequest(supervisor bool) engine.TurnRequest {
	participant := engine.Participant{ID: "fighter", Name: "Brakka", Role: "fighter"}
	if supervisor {
		participant = engine.Participant{ID: "dm", Name: "Dungeon Master"}
	}
	return engine.TurnRequest{
		SessionID:   "tavern",
		Participant: participant,
		Supervisor:  supervisor,
		Turn:        2,
		Round:       1,
		Attempt:     1,
		View: engine.View{
			Title: "The Tavern",
			Queue: []engine.Participant{{ID: "dm", Name: "Dungeon Master"}, {ID: "fighter", Name: "Brakka"}},
			Log:   []engine.Entry{{Turn: 1, Participant: "dm", Content: "Thunder."}},
		},
	}
}

func TestScriptedIsDeterministic(t *testing.T) {
	executor := Scripted{}
	first, err := executor.ExecuteTurn(context.Background(), testRequest(false))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := executor.ExecuteTurn(context.Background(), testRequest(false))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.Content == "" || first.Content != second.Content {
		t.Fatalf("expected stable content, got %q and %q", first.Content, second.Content)
	}
	if !strings.Contains(first.Content, "Brakka") {
		t.Fatalf("content should name the participant: %q", first.Content)
	}
}

func TestScriptedSupervisorUsesNudge(t *testing.T) {
	request := testRequest(true)
	request.Nudge = "A dragon lands on the roof"
	result, err := Scripted{}.ExecuteTurn(context.Background(), request)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Content, "A dragon lands on the roof") {
		t.Fatalf("nudge missing from narration: %q", result.Content)
	}
}

func TestScriptedHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Scripted{Delay: time.Second}).ExecuteTurn(ctx, testRequest(false)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWindowedVisibility(t *testing.T) {
	state, err := engine.NewState("tavern", "", "", []engine.Participant{{ID: "dm"}, {ID: "fighter"}, {ID: "rogue"}})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for i := 1; i <= 5; i++ {
		state.Log = append(state.Log, engine.Entry{Turn: i, Participant: "dm", Content: "line"})
	}
	state.Memories["rogue"] = []string{"secret"}
	state.Memories["fighter"] = []string{"grudge"}

	view := WindowedVisibility{Window: 2}.View(state, "fighter")
	if len(view.Log) != 2 || view.Log[0].Turn != 4 {
		t.Fatalf("expected last two entries, got %#v", view.Log)
	}
	if len(view.Memory) != 1 || view.Memory[0] != "grudge" {
		t.Fatalf("expected only own memory, got %#v", view.Memory)
	}
	if full := (WindowedVisibility{}).View(state, "rogue"); len(full.Log) != 5 {
		t.Fatalf("zero window should show full log, got %d", len(full.Log))
	}
}

func TestHTTPExecutorSendsViewAndReadsContent(t *testing.T) {
	var received turnPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(turnResponse{Content: " Brakka draws steel. ", Memory: "drew steel"})
	}))
	defer server.Close()

	executor, err := NewHTTP(HTTPOptions{URL: server.URL, Token: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := executor.ExecuteTurn(context.Background(), testRequest(false))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Content != "Brakka draws steel." || result.Memory != "drew steel" {
		t.Fatalf("unexpected result %#v", result)
	}
	if received.Participant.ID != "fighter" || len(received.Log) != 1 || received.Title != "The Tavern" {
		t.Fatalf("unexpected payload %#v", received)
	}
}

func TestHTTPExecutorCategorizesFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    engine.FailureCategory
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
		}, engine.CategoryUpstream},
		{"gateway timeout", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGatewayTimeout)
		}, engine.CategoryTimeout},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}, engine.CategoryInvalidOutput},
		{"empty content", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"content":"  "}`))
		}, engine.CategoryInvalidOutput},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}, engine.CategoryTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()
			executor, err := NewHTTP(HTTPOptions{URL: server.URL, Timeout: 50 * time.Millisecond})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			_, err = executor.ExecuteTurn(context.Background(), testRequest(false))
			var turnErr *engine.TurnError
			if !errors.As(err, &turnErr) {
				t.Fatalf("expected TurnError, got %v", err)
			}
			if turnErr.Category != tc.want {
				t.Fatalf("category %q, want %q (%v)", turnErr.Category, tc.want, err)
			}
		})
	}
}

func TestNewHTTPRequiresURL(t *testing.T) {
	if _, err := NewHTTP(HTTPOptions{}); err == nil {
		t.Fatalf("expected error for missing URL")
	}
}
