package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"chronicle/internal/logging"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxRequestBodyBytes = 1 << 20

// apiError is what a REST handler returns instead of writing a failure itself.
type apiError struct {
	Status  int
	Message string
	Code    string
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// restHandler renders a returned apiError as the JSON error body and notes it
// on the request span.
func restHandler(handler apiHandler) http.Handler {
	return noStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failure := handler(w, r)
		if failure == nil {
			return
		}
		code := failure.Code
		if code == "" {
			code = errorCodeForStatus(failure.Status)
		}
		trace.SpanFromContext(r.Context()).AddEvent("api.error", trace.WithAttributes(
			attribute.Int("http.status_code", failure.Status),
			attribute.String("error.code", code),
		))
		writeJSON(w, failure.Status, errorResponse{Error: failure.Message, Message: failure.Message, Code: code})
	}))
}

type responseStatus struct {
	http.ResponseWriter
	status int
}

func (r *responseStatus) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLog records every API call at debug, and server errors at warning.
func requestLog(logger *logging.Logger, next http.Handler) http.Handler {
	logger = logger.With(map[string]string{logging.FieldCategory: "api"})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &responseStatus{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		fields := map[string]string{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   strconv.Itoa(recorder.status),
			"duration": time.Since(started).String(),
		}
		if recorder.status >= http.StatusInternalServerError {
			logger.Warn("api request failed", fields)
			return
		}
		logger.Debug("api request", fields)
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) *apiError {
	w.Header().Set("Allow", allow)
	return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody rejects unknown fields; an empty body leaves target untouched.
func decodeJSONBody(r *http.Request, target any) *apiError {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body: " + err.Error()}
	}
	return nil
}
