package api

import (
	"net/http"
	"strings"

	"chronicle/internal/session"
)

type sessionSummary struct {
	session.Info
	Connections int `json:"connections"`
}

type createSessionRequest struct {
	ID    string `json:"id"`
	Party string `json:"party"`
}

type saveCheckpointRequest struct {
	Label string `json:"label"`
}

type restoreRequest struct {
	Checkpoint string `json:"checkpoint"`
}

func (h *RestHandler) handleSessions(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireManager(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		infos, err := h.Manager.List(r.Context())
		if err != nil {
			return statusForError(err)
		}
		summaries := make([]sessionSummary, 0, len(infos))
		for _, info := range infos {
			summaries = append(summaries, sessionSummary{Info: info, Connections: h.Registry.Count(info.ID)})
		}
		writeJSON(w, http.StatusOK, summaries)
		return nil
	case http.MethodPost:
		return h.createSession(w, r)
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

func (h *RestHandler) createSession(w http.ResponseWriter, r *http.Request) *apiError {
	var request createSessionRequest
	if err := decodeJSONBody(r, &request); err != nil {
		return err
	}
	created, err := h.Manager.Create(r.Context(), strings.TrimSpace(request.ID), request.Party)
	if err != nil {
		return statusForError(err)
	}
	info, err := created.Info(r.Context())
	if err != nil {
		return statusForError(err)
	}
	writeJSON(w, http.StatusCreated, sessionSummary{Info: info})
	return nil
}

// handleSession serves /api/sessions/{id}[/checkpoints|/restore].
func (h *RestHandler) handleSession(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireManager(); err != nil {
		return err
	}
	id, action := parseSessionPath(r.URL.Path)
	if id == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "missing session id"}
	}
	sess, ok := h.Manager.Get(id)
	if !ok {
		return statusForError(session.ErrSessionNotFound)
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			return methodNotAllowed(w, "GET")
		}
		snapshot, err := sess.Engine.Snapshot(r.Context())
		if err != nil {
			return statusForError(err)
		}
		writeJSON(w, http.StatusOK, snapshot.State.View(snapshot.Run))
		return nil
	case "checkpoints":
		return h.handleCheckpoints(w, r, id)
	case "restore":
		if r.Method != http.MethodPost {
			return methodNotAllowed(w, "POST")
		}
		var request restoreRequest
		if err := decodeJSONBody(r, &request); err != nil {
			return err
		}
		if strings.TrimSpace(request.Checkpoint) == "" {
			return &apiError{Status: http.StatusBadRequest, Message: "missing checkpoint id"}
		}
		summary, err := h.Manager.RestoreCheckpoint(r.Context(), id, strings.TrimSpace(request.Checkpoint))
		if err != nil {
			return statusForError(err)
		}
		writeJSON(w, http.StatusOK, summary)
		return nil
	default:
		return &apiError{Status: http.StatusNotFound, Message: "not found"}
	}
}

func (h *RestHandler) handleCheckpoints(w http.ResponseWriter, r *http.Request, id string) *apiError {
	switch r.Method {
	case http.MethodGet:
		summaries, err := h.Manager.ListCheckpoints(r.Context(), id)
		if err != nil {
			return statusForError(err)
		}
		writeJSON(w, http.StatusOK, summaries)
		return nil
	case http.MethodPost:
		var request saveCheckpointRequest
		if err := decodeJSONBody(r, &request); err != nil {
			return err
		}
		summary, err := h.Manager.SaveCheckpoint(r.Context(), id, request.Label)
		if err != nil {
			return statusForError(err)
		}
		writeJSON(w, http.StatusCreated, summary)
		return nil
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

func parseSessionPath(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/sessions/"), "/")
	id, action, _ := strings.Cut(trimmed, "/")
	return id, action
}
