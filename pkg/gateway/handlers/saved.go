package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/apsara-ai/apsara/pkg/core"
	"github.com/apsara-ai/apsara/pkg/gateway/config"
	"github.com/apsara-ai/apsara/pkg/gateway/live/resume"
	"github.com/apsara-ai/apsara/pkg/gateway/principal"
)

// SavedSessionsHandler serves the saved-sessions surface: listing resumable
// snapshots and deleting ones the client no longer wants. Mounted at
// /v1/live/sessions and /v1/live/sessions/{id}.
type SavedSessionsHandler struct {
	Config config.Config
	Logger *slog.Logger
	Resume *resume.Manager
}

type savedSessionJSON struct {
	SessionID string    `json:"sessionId"`
	Model     string    `json:"model"`
	Modality  string    `json:"modality"`
	Voice     string    `json:"voice"`
	SavedAt   time.Time `json:"savedAt"`
	Reason    string    `json:"reason"`
}

type savedSessionsJSON struct {
	Sessions []savedSessionJSON `json:"sessions"`
}

func (h SavedSessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	p, err := principal.Resolve(r, h.Config)
	if err != nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: err.Error()}, http.StatusUnauthorized)
		return
	}
	owner := ownerOf(p)

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/live/sessions"), "/")
	switch {
	case r.Method == http.MethodGet && id == "":
		h.list(w, r, reqID, owner)
	case r.Method == http.MethodDelete && id != "":
		h.delete(w, r, reqID, owner, id)
	default:
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
	}
}

func (h SavedSessionsHandler) list(w http.ResponseWriter, r *http.Request, reqID, owner string) {
	records, err := h.Resume.List(r.Context(), owner)
	if err != nil {
		h.Logger.Warn("list saved sessions", "request_id", reqID, "error", err)
		writeErrorFrom(w, reqID, err)
		return
	}

	out := savedSessionsJSON{Sessions: make([]savedSessionJSON, 0, len(records))}
	for _, rec := range records {
		out.Sessions = append(out.Sessions, savedSessionJSON{
			SessionID: rec.SessionID,
			Model:     rec.Model,
			Modality:  rec.Modality,
			Voice:     rec.Voice,
			SavedAt:   rec.SavedAt,
			Reason:    rec.Reason,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (h SavedSessionsHandler) delete(w http.ResponseWriter, r *http.Request, reqID, owner, id string) {
	if err := h.Resume.Delete(r.Context(), owner, id); err != nil {
		if errors.Is(err, resume.ErrNoRecord) {
			writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrNotFound, Message: "saved session not found"}, http.StatusNotFound)
			return
		}
		h.Logger.Warn("delete saved session", "request_id", reqID, "session_id", id, "error", err)
		writeErrorFrom(w, reqID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
