package narrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chronicle/internal/engine"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxResponseBytes = 1 << 20

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("narrator gateway returned %d: %s", e.StatusCode, e.Message)
}

// HTTP delegates turns to an external narration gateway.
type HTTP struct {
	client  *http.Client
	url     string
	token   string
	timeout time.Duration
}

type HTTPOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTP(options HTTPOptions) (*HTTP, error) {
	url := strings.TrimSpace(options.URL)
	if url == "" {
		return nil, errors.New("narrator URL is required")
	}
	return &HTTP{
		client:  ensureClient(options.Client),
		url:     url,
		token:   options.Token,
		timeout: options.Timeout,
	}, nil
}

type turnPayload struct {
	SessionID   string           `json:"session_id"`
	Participant participantDTO   `json:"participant"`
	Supervisor  bool             `json:"supervisor"`
	Turn        int              `json:"turn"`
	Round       int              `json:"round"`
	Attempt     int              `json:"attempt"`
	Nudge       string           `json:"nudge,omitempty"`
	Title       string           `json:"title,omitempty"`
	Premise     string           `json:"premise,omitempty"`
	Queue       []participantDTO `json:"queue"`
	Log         []entryDTO       `json:"log"`
	Memory      []string         `json:"memory"`
}

type participantDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Persona string `json:"persona,omitempty"`
}

type entryDTO struct {
	Participant string `json:"participant"`
	Content     string `json:"content"`
	Human       bool   `json:"human,omitempty"`
}

type turnResponse struct {
	Content string `json:"content"`
	Memory  string `json:"memory,omitempty"`
}

func (h *HTTP) ExecuteTurn(ctx context.Context, request engine.TurnRequest) (engine.TurnResult, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	body, err := json.Marshal(newTurnPayload(request))
	if err != nil {
		return engine.TurnResult{}, &engine.TurnError{Category: engine.CategoryStructural, Err: fmt.Errorf("encode turn request: %w", err)}
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return engine.TurnResult{}, &engine.TurnError{Category: engine.CategoryStructural, Err: fmt.Errorf("build turn request: %w", err)}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	addToken(httpRequest, h.token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpRequest.Header))

	response, err := h.client.Do(httpRequest)
	if err != nil {
		return engine.TurnResult{}, &engine.TurnError{Category: transportCategory(ctx, err), Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		category := engine.CategoryUpstream
		if response.StatusCode == http.StatusGatewayTimeout || response.StatusCode == http.StatusRequestTimeout {
			category = engine.CategoryTimeout
		}
		return engine.TurnResult{}, &engine.TurnError{
			Category: category,
			Err:      &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)},
		}
	}

	var payload turnResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return engine.TurnResult{}, &engine.TurnError{Category: engine.CategoryInvalidOutput, Err: fmt.Errorf("decode turn response: %w", err)}
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		return engine.TurnResult{}, &engine.TurnError{Category: engine.CategoryInvalidOutput, Err: errors.New("turn response has no content")}
	}
	return engine.TurnResult{Content: content, Memory: strings.TrimSpace(payload.Memory)}, nil
}

func newTurnPayload(request engine.TurnRequest) turnPayload {
	payload := turnPayload{
		SessionID:   request.SessionID,
		Participant: toParticipantDTO(request.Participant),
		Supervisor:  request.Supervisor,
		Turn:        request.Turn,
		Round:       request.Round,
		Attempt:     request.Attempt,
		Nudge:       request.Nudge,
		Title:       request.View.Title,
		Premise:     request.View.Premise,
		Queue:       make([]participantDTO, len(request.View.Queue)),
		Log:         make([]entryDTO, len(request.View.Log)),
		Memory:      append([]string{}, request.View.Memory...),
	}
	for i, participant := range request.View.Queue {
		payload.Queue[i] = toParticipantDTO(participant)
	}
	for i, entry := range request.View.Log {
		payload.Log[i] = entryDTO{Participant: entry.Participant, Content: entry.Content, Human: entry.Human}
	}
	return payload
}

func toParticipantDTO(participant engine.Participant) participantDTO {
	return participantDTO{
		ID:      participant.ID,
		Name:    participant.Name,
		Role:    participant.Role,
		Persona: participant.Persona,
	}
}

func transportCategory(ctx context.Context, err error) engine.FailureCategory {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.CategoryTimeout
	}
	return engine.CategoryUpstream
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func addToken(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return text
}
