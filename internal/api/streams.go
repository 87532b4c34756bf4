package api

import (
	"errors"
	"net/http"

	"chronicle/internal/event"
	"chronicle/internal/logging"
)

const (
	sessionEventsRoute  = "/ws/sessions/events"
	sessionEventsReplay = 16
	logsStreamRoute     = "/ws/logs"
	logsStreamBacklog   = 50
)

// sessionEventsStream replays recent lifecycle events and then follows the bus.
func sessionEventsStream(bus *event.Bus[event.SessionEvent], logger *logging.Logger, origins []string) http.Handler {
	stream := eventStream[event.SessionEvent]{
		logger:      logger,
		origins:     origins,
		route:       sessionEventsRoute,
		unavailable: "session events unavailable",
	}
	if bus != nil {
		stream.subscribe = func(*http.Request) (<-chan event.SessionEvent, func(), error) {
			values, cancel := bus.Subscribe()
			return values, cancel, nil
		}
		stream.backlog = func(*http.Request) []event.SessionEvent {
			return bus.History(sessionEventsReplay)
		}
	}
	return stream
}

// logsStream sends the buffered tail and then live entries. The level and
// limit query parameters match GET /api/logs.
func logsStream(logger *logging.Logger, origins []string) http.Handler {
	stream := eventStream[logging.LogEntry]{
		logger:      logger,
		origins:     origins,
		route:       logsStreamRoute,
		unavailable: "logs unavailable",
	}
	if logger != nil {
		stream.subscribe = func(r *http.Request) (<-chan logging.LogEntry, func(), error) {
			level, _, apiErr := parseLogQuery(r)
			if apiErr != nil {
				return nil, nil, errors.New(apiErr.Message)
			}
			entries, stop := logger.Follow(level)
			return entries, stop, nil
		}
		stream.backlog = func(r *http.Request) []logging.LogEntry {
			level, limit, apiErr := parseLogQuery(r)
			if apiErr != nil {
				return nil
			}
			if !r.URL.Query().Has("limit") {
				limit = logsStreamBacklog
			}
			return logger.Buffer().Query(level, limit)
		}
	}
	return stream
}
