package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chronicle"
	"chronicle/internal/checkpoint"
	"chronicle/internal/engine"
	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/party"
	"chronicle/internal/registry"
	"chronicle/internal/session"

	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server
	manager  *session.Manager
	registry *registry.Registry
	metrics  *metrics.Registry
	logger   *logging.Logger
}

type serverOptions struct {
	autoCreate bool
	gateway    GatewayConfig
}

func newTestServer(t *testing.T, options serverOptions) *testServer {
	t.Helper()
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelDebug, nil)
	registryMetrics := &metrics.Registry{}

	catalog, err := party.NewCatalog(party.CatalogOptions{
		Embedded:    chronicle.EmbeddedConfigFS,
		EmbeddedDir: "config/parties",
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(func() { _ = catalog.Close() })

	manager, err := session.NewManager(session.ManagerOptions{
		Parties:      catalog,
		DefaultParty: "sunken-tavern",
		AutoCreate:   options.autoCreate,
		Executor: engine.TurnExecutorFunc(func(ctx context.Context, request engine.TurnRequest) (engine.TurnResult, error) {
			return engine.TurnResult{Content: request.Participant.Name + " takes a turn."}, nil
		}),
		Engine: session.EngineSettings{
			Pacing: engine.Pacing{Slow: 20 * time.Millisecond, Normal: 10 * time.Millisecond, Fast: 5 * time.Millisecond},
		},
		Checkpoints: checkpoint.NewFileStore(t.TempDir(), logger),
		Logger:      logger,
		Metrics:     registryMetrics,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(manager.Close)

	connections := registry.New(logger, registryMetrics)
	mux := http.NewServeMux()
	RegisterRoutes(mux, RouteConfig{
		Manager:  manager,
		Registry: connections,
		Logger:   logger,
		Metrics:  registryMetrics,
		Gateway:  options.gateway,
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(connections.CloseAll)

	return &testServer{
		Server:   server,
		manager:  manager,
		registry: connections,
		metrics:  registryMetrics,
		logger:   logger,
	}
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireEvent struct {
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	Recoverable bool            `json:"recoverable"`
	Code        string          `json:"code"`
	Reason      string          `json:"reason"`
	Turn        int             `json:"turn"`
	Agent       string          `json:"agent"`
	State       json.RawMessage `json:"state"`
}

type wireState struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
	Current   string `json:"current"`
	Run       struct {
		Autopilot bool `json:"autopilot"`
	} `json:"run"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event wireEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

// readUntil skips events until one of eventType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	for i := 0; i < 200; i++ {
		event := readEvent(t, conn)
		if event.Type == eventType {
			return event
		}
	}
	t.Fatalf("no %s event received", eventType)
	return wireEvent{}
}

func decodeState(t *testing.T, event wireEvent) wireState {
	t.Helper()
	var state wireState
	if err := json.Unmarshal(event.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func sendCommand(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected close error, got %T: %v", err, err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}
