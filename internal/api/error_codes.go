package api

import (
	"errors"
	"net/http"

	"chronicle/internal/checkpoint"
	"chronicle/internal/engine"
	"chronicle/internal/party"
	"chronicle/internal/protocol"
	"chronicle/internal/session"
)

var errCommandPanic = errors.New("internal error while handling command")

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

func decodeErrorCode(err error) string {
	var unknown *protocol.UnknownCommandError
	var field *protocol.FieldError
	switch {
	case errors.As(err, &unknown):
		return "unknown_command"
	case errors.As(err, &field):
		return "invalid_field"
	case errors.Is(err, protocol.ErrMissingType):
		return "missing_type"
	default:
		return "malformed_command"
	}
}

var commandErrorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrAlreadyRunning, "already_running"},
	{engine.ErrNoStateLoaded, "no_state"},
	{engine.ErrInvalidParticipant, "invalid_participant"},
	{engine.ErrNotInControl, "not_in_control"},
	{engine.ErrEmptyContent, "empty_content"},
	{engine.ErrNotAwaitingInput, "not_awaiting_input"},
	{engine.ErrInvalidSpeed, "invalid_speed"},
	{engine.ErrRetryLimitExceeded, "retry_limit"},
	{engine.ErrTurnInProgress, "turn_in_progress"},
	{engine.ErrAwaitingInput, "awaiting_input"},
	{engine.ErrBusy, "busy"},
	{engine.ErrEngineClosed, "engine_closed"},
	{errCommandPanic, "internal_error"},
}

func commandErrorCode(err error) string {
	for _, candidate := range commandErrorCodes {
		if errors.Is(err, candidate.err) {
			return candidate.code
		}
	}
	return decodeErrorCode(err)
}

// statusForError maps domain errors onto REST responses.
func statusForError(err error) *apiError {
	var validation *party.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, checkpoint.ErrNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, session.ErrInvalidSessionID), errors.Is(err, checkpoint.ErrInvalidID),
		errors.Is(err, party.ErrUnknownParty), errors.As(err, &validation):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, session.ErrSessionExists):
		return &apiError{Status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, engine.ErrBusy):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "busy"}
	case errors.Is(err, session.ErrCheckpointsDisabled), errors.Is(err, session.ErrManagerClosed),
		errors.Is(err, engine.ErrEngineClosed):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}
