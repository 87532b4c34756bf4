package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chronicle/internal/engine"
	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/protocol"
	"chronicle/internal/registry"
	"chronicle/internal/session"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const sessionRoute = "/ws/session/"

const (
	DefaultPingInterval = 20 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultCommandRate  = 20
	DefaultCommandBurst = 40
)

type GatewayConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	CommandRate  float64
	CommandBurst int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsWriteTimeout
	}
	if c.CommandRate <= 0 {
		c.CommandRate = DefaultCommandRate
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = DefaultCommandBurst
	}
	return c
}

// SessionHandler is the command gateway for /ws/session/{id}: it attaches a
// viewer to a session engine, streams its events and forwards commands.
type SessionHandler struct {
	Manager        *session.Manager
	Registry       *registry.Registry
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AllowedOrigins []string
	Config         GatewayConfig
}

type viewer struct {
	handler *SessionHandler
	session *session.Session
	conn    *wsConn
	logger  *logging.Logger
	ctx     context.Context
	wg      sync.WaitGroup
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, sessionRoute)
	logger := h.Logger.With(map[string]string{
		logging.FieldCategory:  "gateway",
		logging.FieldSessionID: id,
	})
	if h.Manager == nil || h.Registry == nil {
		rejectSocket(w, r, nil, logger, socketFailure{status: http.StatusServiceUnavailable, reason: "session gateway unavailable"})
		return
	}

	conn, err := acceptSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logSocketFailure(logger, r, socketFailure{status: http.StatusBadRequest, reason: "websocket upgrade failed", cause: err})
		return
	}

	ctx, span := traceSocket(r, sessionRoute+"{id}", attribute.String("session.id", id))
	defer span.End()

	if !protocol.ValidSessionID(id) {
		span.SetStatus(codes.Error, "invalid session id")
		rejectSocket(w, r, conn, logger, socketFailure{status: http.StatusBadRequest, code: protocol.CloseInvalidSessionID, reason: "invalid session id"})
		return
	}

	sess, err := h.Manager.Resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rejectSocket(w, r, conn, logger, resolveFailure(err))
		return
	}

	cfg := h.Config.withDefaults()
	client := newWSConn(conn, cfg.WriteTimeout)
	logger = logger.With(map[string]string{"connection.id": client.id})
	span.SetAttributes(attribute.String("connection.id", client.id))
	ctx, cancel := context.WithCancel(ctx)
	v := &viewer{handler: h, session: sess, conn: client, logger: logger, ctx: ctx}
	defer func() {
		cancel()
		h.Registry.Disconnect(id, client)
		_ = client.Close()
		v.wg.Wait()
		logger.Debug("viewer disconnected", nil)
	}()

	h.Registry.Connect(id, client, func() {
		sess.Engine.SetBroadcastCallback(func(event protocol.Event) {
			h.Registry.Broadcast(id, event)
		})
	})
	if err := sess.Engine.SendSnapshot(ctx, client); err != nil {
		logger.Warn("snapshot delivery failed", map[string]string{logging.FieldError: err.Error()})
		return
	}
	logger.Debug("viewer connected", map[string]string{"remote_addr": r.RemoteAddr})

	v.keepalive(cfg)
	v.receive(cfg)
}

func resolveFailure(err error) socketFailure {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return socketFailure{status: http.StatusNotFound, code: protocol.CloseSessionNotFound, reason: "session not found", cause: err}
	case errors.Is(err, session.ErrInvalidSessionID):
		return socketFailure{status: http.StatusBadRequest, code: protocol.CloseInvalidSessionID, reason: "invalid session id", cause: err}
	default:
		return socketFailure{status: http.StatusInternalServerError, reason: "session unavailable", cause: err}
	}
}

// keepalive pings the viewer; a missing pong surfaces as a read timeout.
func (v *viewer) keepalive(cfg GatewayConfig) {
	conn := v.conn.conn
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := v.conn.Ping(); err != nil {
					return
				}
			case <-v.ctx.Done():
				return
			}
		}
	}()
}

func (v *viewer) receive(cfg GatewayConfig) {
	conn := v.conn.conn
	limiter := rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			v.readFailed(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if messageType != websocket.TextMessage {
			v.sendError("only text frames are accepted", "invalid_frame")
			continue
		}
		if !limiter.Allow() {
			v.handler.Metrics.IncRateLimited()
			v.sendError("too many commands, slow down", "rate_limited")
			continue
		}

		command, err := protocol.DecodeCommand(payload)
		if err != nil {
			v.handler.Metrics.IncCommand("invalid", err)
			v.sendError(err.Error(), decodeErrorCode(err))
			continue
		}
		v.dispatch(command)
	}
}

func (v *viewer) readFailed(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		v.handler.Metrics.IncKeepaliveTimeout()
		v.logger.Info("viewer keepalive timeout", nil)
		v.conn.CloseWith(protocol.CloseKeepaliveTimeout, "keepalive timeout")
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		v.logger.Debug("viewer connection lost", map[string]string{logging.FieldError: err.Error()})
	}
}

// dispatch runs blocking commands off the read loop so keepalive and other
// commands continue while a turn executes.
func (v *viewer) dispatch(command protocol.Command) {
	switch command.(type) {
	case protocol.NextTurnCommand, protocol.RetryCommand:
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.execute(command)
		}()
	default:
		v.execute(command)
	}
}

func (v *viewer) execute(command protocol.Command) {
	commandType := string(command.CommandType())
	err := v.apply(command)
	v.handler.Metrics.IncCommand(commandType, err)
	if err == nil {
		return
	}
	var turnErr *engine.TurnError
	if errors.As(err, &turnErr) {
		return
	}
	if errors.Is(err, context.Canceled) && v.ctx.Err() != nil {
		return
	}
	v.logger.Debug("command rejected", map[string]string{
		"command":          commandType,
		logging.FieldError: err.Error(),
	})
	v.sendError(err.Error(), commandErrorCode(err))
}

func (v *viewer) apply(command protocol.Command) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			v.logger.Error("command handler panic", map[string]string{
				"command": string(command.CommandType()),
				"panic":   fmt.Sprint(recovered),
			})
			err = errCommandPanic
		}
	}()

	eng := v.session.Engine
	ctx := v.ctx
	switch cmd := command.(type) {
	case protocol.StartAutopilotCommand:
		return eng.StartAutopilot(ctx, engine.Speed(cmd.Speed))
	case protocol.StopAutopilotCommand:
		return eng.StopAutopilot(ctx, engine.StopRequested)
	case protocol.NextTurnCommand:
		return eng.RunSingleTurn(ctx)
	case protocol.RetryCommand:
		return eng.RetryTurn(ctx)
	case protocol.DropInCommand:
		return eng.DropIn(ctx, cmd.Character)
	case protocol.ReleaseControlCommand:
		return eng.ReleaseControl(ctx)
	case protocol.SubmitActionCommand:
		return eng.SubmitHumanAction(ctx, cmd.Content)
	case protocol.NudgeCommand:
		return eng.SubmitNudge(ctx, cmd.Content)
	case protocol.SetSpeedCommand:
		return eng.SetSpeed(ctx, engine.Speed(cmd.Speed))
	case protocol.PauseCommand:
		return eng.Pause(ctx)
	case protocol.ResumeCommand:
		return eng.Resume(ctx)
	default:
		return &protocol.UnknownCommandError{Type: commandTypeOf(command)}
	}
}

func (v *viewer) sendError(message, code string) {
	event := protocol.NewError(message, true)
	event.Code = code
	if err := v.conn.Send(event); err != nil {
		v.logger.Debug("error delivery failed", map[string]string{logging.FieldError: err.Error()})
	}
}

func commandTypeOf(command protocol.Command) string {
	if command == nil {
		return ""
	}
	return string(command.CommandType())
}
