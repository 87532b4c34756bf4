package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/protocol"
	"chronicle/internal/registry"
	"chronicle/internal/session"
	"chronicle/internal/version"
)

const defaultLogLimit = 200

type RestHandler struct {
	Manager  *session.Manager
	Registry *registry.Registry
	Logger   *logging.Logger
	Metrics  *metrics.Registry

	schemaOnce sync.Once
	schemas    protocol.Schemas
}

type statusResponse struct {
	Sessions    int          `json:"sessions"`
	Connections int          `json:"connections"`
	Version     version.Info `json:"version"`
	ServerTime  time.Time    `json:"server_time"`
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := h.requireManager(); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Sessions:    h.Manager.Len(),
		Connections: h.Registry.Total(),
		Version:     version.Get(),
		ServerTime:  time.Now().UTC(),
	})
	return nil
}

func (h *RestHandler) handleParties(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := h.requireManager(); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, h.Manager.Parties().List())
	return nil
}

func (h *RestHandler) handleSchema(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	h.schemaOnce.Do(func() {
		h.schemas = protocol.GenerateSchemas()
	})
	writeJSON(w, http.StatusOK, h.schemas)
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := h.requireLogger(); err != nil {
		return err
	}
	level, limit, err := parseLogQuery(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, h.Logger.Buffer().Query(level, limit))
	return nil
}

func parseLogQuery(r *http.Request) (logging.Level, int, *apiError) {
	query := r.URL.Query()
	level := logging.LevelDebug
	if rawLevel := strings.TrimSpace(query.Get("level")); rawLevel != "" {
		parsed, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return "", 0, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		level = parsed
	}
	limit := defaultLogLimit
	if rawLimit := strings.TrimSpace(query.Get("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			return "", 0, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}
	return level, limit, nil
}

// handleMetrics renders the registry in the Prometheus text format.
func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	registry := h.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := registry.WritePrometheus(w); err != nil {
		h.Logger.Warn("metrics write failed", map[string]string{logging.FieldError: err.Error()})
	}
}

func (h *RestHandler) requireManager() *apiError {
	if h.Manager == nil || h.Registry == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "session manager unavailable"}
	}
	return nil
}

func (h *RestHandler) requireLogger() *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}
	return nil
}
