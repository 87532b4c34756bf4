// Package registry tracks the live viewer connections of every session.
package registry

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/protocol"
)

// Conn is one viewer connection.
type Conn interface {
	Send(event protocol.Event) error
	Close() error
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*connectionSet
	logger   *logging.Logger
	metrics  *metrics.Registry
}

// connectionSet holds the connections of one session. Its lock serializes
// connect, disconnect and broadcast for that session.
type connectionSet struct {
	mu    sync.Mutex
	conns []Conn
	wired bool
}

func New(logger *logging.Logger, registry *metrics.Registry) *Registry {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if registry == nil {
		registry = metrics.Default
	}
	return &Registry{
		sessions: make(map[string]*connectionSet),
		logger:   logger.With(map[string]string{logging.FieldCategory: "registry"}),
		metrics:  registry,
	}
}

func (r *Registry) set(sessionID string) *connectionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[sessionID]
	if !ok {
		set = &connectionSet{}
		r.sessions[sessionID] = set
	}
	return set
}

func (r *Registry) lookup(sessionID string) *connectionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Connect adds conn to the session. onFirst runs once per session, before the
// first connection is added and while the session lock is held.
func (r *Registry) Connect(sessionID string, conn Conn, onFirst func()) {
	if conn == nil {
		return
	}
	set := r.set(sessionID)
	set.mu.Lock()
	defer set.mu.Unlock()
	if !set.wired {
		set.wired = true
		if onFirst != nil {
			onFirst()
		}
	}
	for _, existing := range set.conns {
		if existing == conn {
			return
		}
	}
	set.conns = append(set.conns, conn)
	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered", map[string]string{
		logging.FieldSessionID: sessionID,
		"connections":          strconv.Itoa(len(set.conns)),
	})
}

// Disconnect removes conn without closing it. It reports whether conn was present.
func (r *Registry) Disconnect(sessionID string, conn Conn) bool {
	set := r.lookup(sessionID)
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	removed := set.remove(conn)
	if removed {
		r.metrics.ConnectionClosed()
		r.logger.Debug("connection removed", map[string]string{
			logging.FieldSessionID: sessionID,
			"connections":          strconv.Itoa(len(set.conns)),
		})
	}
	return removed
}

// Broadcast sends event to every connection of the session. A connection
// whose send fails is removed and closed; the others still receive the event.
func (r *Registry) Broadcast(sessionID string, event protocol.Event) {
	set := r.lookup(sessionID)
	if set == nil || event == nil {
		return
	}

	set.mu.Lock()
	var failed []Conn
	for _, conn := range set.conns {
		if err := safeSend(conn, event); err != nil {
			failed = append(failed, conn)
			r.logger.Warn("broadcast send failed", map[string]string{
				logging.FieldSessionID: sessionID,
				"event":                string(event.EventType()),
				logging.FieldError:     err.Error(),
			})
		}
	}
	for _, conn := range failed {
		if set.remove(conn) {
			r.metrics.ConnectionClosed()
			r.metrics.IncBroadcastFailure()
		}
	}
	set.mu.Unlock()

	for _, conn := range failed {
		_ = conn.Close()
	}
}

func (r *Registry) Count(sessionID string) int {
	set := r.lookup(sessionID)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.conns)
}

// Total returns the number of connections across all sessions.
func (r *Registry) Total() int {
	total := 0
	for _, sessionID := range r.Sessions() {
		total += r.Count(sessionID)
	}
	return total
}

// Sessions lists every session that ever had a connection.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

// CloseAll closes every registered connection and empties the sets.
func (r *Registry) CloseAll() {
	for _, sessionID := range r.Sessions() {
		set := r.lookup(sessionID)
		set.mu.Lock()
		conns := set.conns
		set.conns = nil
		set.mu.Unlock()
		for _, conn := range conns {
			r.metrics.ConnectionClosed()
			_ = conn.Close()
		}
	}
}

func (s *connectionSet) remove(conn Conn) bool {
	for i, existing := range s.conns {
		if existing == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return true
		}
	}
	return false
}

func safeSend(conn Conn, event protocol.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = panicError{value: recovered}
		}
	}()
	return conn.Send(event)
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("send panicked: %v", e.value)
}
