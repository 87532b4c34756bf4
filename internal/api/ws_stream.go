package api

import (
	"net/http"
	"time"

	"chronicle/internal/logging"

	"github.com/gorilla/websocket"
)

// eventStream is a read-only socket fed by a subscription. The backlog is
// written before live values; the socket closes when the subscription ends
// or the peer goes away.
type eventStream[T any] struct {
	logger      *logging.Logger
	origins     []string
	route       string
	unavailable string
	subscribe   func(r *http.Request) (<-chan T, func(), error)
	backlog     func(r *http.Request) []T
	encode      func(T) (any, bool)
}

func (s eventStream[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := acceptSocket(w, r, s.origins)
	if err != nil {
		logSocketFailure(s.logger, r, socketFailure{status: http.StatusBadRequest, reason: "websocket upgrade failed", cause: err})
		return
	}
	_, span := traceSocket(r, s.route)
	defer span.End()

	if s.subscribe == nil {
		rejectSocket(w, r, conn, s.logger, socketFailure{reason: s.unavailable, envelope: true})
		return
	}
	values, cancel, err := s.subscribe(r)
	if err != nil {
		rejectSocket(w, r, conn, s.logger, socketFailure{status: http.StatusBadRequest, reason: err.Error(), envelope: true})
		return
	}
	defer cancel()
	defer conn.Close()

	var backlog []T
	if s.backlog != nil {
		backlog = s.backlog(r)
	}
	for _, value := range backlog {
		if !s.write(conn, value) {
			return
		}
	}

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case value, ok := <-values:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if !s.write(conn, value) {
				return
			}
		case <-peerGone:
			return
		}
	}
}

func (s eventStream[T]) write(conn *websocket.Conn, value T) bool {
	var payload any = value
	if s.encode != nil {
		var ok bool
		if payload, ok = s.encode(value); !ok {
			return true
		}
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return false
	}
	return conn.WriteJSON(payload) == nil
}
