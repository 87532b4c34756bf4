package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chronicle/internal/logging"

	"github.com/gorilla/websocket"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	wsBufferSize   = 1024
	wsWriteTimeout = 10 * time.Second
	// Close frame payloads are limited to 125 bytes, two of which hold the code.
	maxCloseReason = 123
)

// originPolicy lists the origins allowed to open sockets. Empty means same host only.
type originPolicy []string

func (p originPolicy) allows(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(p) == 0 {
		return strings.EqualFold(parsed.Hostname(), requestHost(r.Host))
	}
	for _, allowed := range p {
		switch {
		case allowed == "*":
			return true
		case strings.EqualFold(allowed, origin), strings.EqualFold(allowed, parsed.Hostname()):
			return true
		}
	}
	return false
}

func requestHost(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		hostport = host
	}
	return strings.Trim(hostport, "[]")
}

func acceptSocket(w http.ResponseWriter, r *http.Request, origins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     originPolicy(origins).allows,
	}
	return upgrader.Upgrade(w, r, nil)
}

// socketFailure describes why a socket is being refused or torn down.
type socketFailure struct {
	status int
	code   int
	reason string
	cause  error
	// envelope sends a JSON error frame ahead of the close frame.
	envelope bool
}

type failureEnvelope struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	CloseCode int    `json:"close_code,omitempty"`
}

func (f socketFailure) normalized() socketFailure {
	if f.status == 0 {
		f.status = http.StatusInternalServerError
	}
	f.reason = strings.TrimSpace(f.reason)
	if f.reason == "" {
		f.reason = http.StatusText(f.status)
	}
	if f.code == 0 {
		f.code = closeCodeForStatus(f.status)
	}
	return f
}

// rejectSocket reports a failure on conn, or as a plain HTTP error when the
// upgrade never happened.
func rejectSocket(w http.ResponseWriter, r *http.Request, conn *websocket.Conn, logger *logging.Logger, failure socketFailure) {
	failure = failure.normalized()
	logSocketFailure(logger, r, failure)
	if conn == nil {
		http.Error(w, failure.reason, failure.status)
		return
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if failure.envelope {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteJSON(failureEnvelope{
			Type:      "error",
			Message:   failure.reason,
			Status:    failure.status,
			CloseCode: failure.code,
		})
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(failure.code, clipReason(failure.reason)), deadline)
	_ = conn.Close()
}

func logSocketFailure(logger *logging.Logger, r *http.Request, failure socketFailure) {
	failure = failure.normalized()
	fields := map[string]string{
		logging.FieldCategory: "gateway",
		"path":                r.URL.Path,
		"status":              strconv.Itoa(failure.status),
		"close_code":          strconv.Itoa(failure.code),
		"reason":              failure.reason,
		"remote_addr":         r.RemoteAddr,
	}
	if failure.cause != nil {
		fields[logging.FieldError] = failure.cause.Error()
	}
	if failure.status >= http.StatusInternalServerError {
		logger.Error("websocket refused", fields)
		return
	}
	logger.Warn("websocket refused", fields)
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= 400 && status < 500:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func clipReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}

// traceSocket starts the span covering one socket's lifetime, continuing any
// trace carried by the upgrade request.
func traceSocket(r *http.Request, route string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	attrs = append([]attribute.KeyValue{
		attribute.String("http.route", route),
		attribute.String("http.target", r.URL.RequestURI()),
		attribute.String("user_agent", r.UserAgent()),
	}, attrs...)
	return otelapi.Tracer("chronicle/ws").Start(ctx, "websocket.connect",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}
