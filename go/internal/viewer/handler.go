package viewer

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler exposes the presence HTTP surface. Each mutating route runs the
// store update plus arbitration through the App before responding.
type Handler struct {
	app *App
}

// NewHandler creates a new viewer presence handler.
func NewHandler(app *App) *Handler {
	return &Handler{app: app}
}

type viewerRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// HandleJoin handles POST /api/sessions/{session_id}/viewers.
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID, userID, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	joined, err := h.app.Join(r.Context(), sessionID, userID, "")
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("user_id", userID.String()).
			Msg("join failed")
		http.Error(w, "unable to join session", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, joined)
}

// HandleHeartbeat handles POST /api/sessions/{session_id}/viewers/heartbeat
// and PATCH /api/sessions/{session_id}/viewers.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID, userID, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	if err := h.app.Heartbeat(r.Context(), sessionID, userID); err != nil {
		http.Error(w, "heartbeat failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleList handles GET /api/sessions/{session_id}/viewers.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.parseSessionID(w, r)
	if !ok {
		return
	}

	viewers := h.app.List(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, viewers)
}

// HandleLeave handles DELETE /api/sessions/{session_id}/viewers.
func (h *Handler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	sessionID, userID, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	if err := h.app.Leave(r.Context(), sessionID, userID, ""); err != nil {
		http.Error(w, "leave failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterRoutes registers the presence routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions/{session_id}/viewers", h.HandleJoin)
	mux.HandleFunc("POST /api/sessions/{session_id}/viewers/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("PATCH /api/sessions/{session_id}/viewers", h.HandleHeartbeat)
	mux.HandleFunc("GET /api/sessions/{session_id}/viewers", h.HandleList)
	mux.HandleFunc("DELETE /api/sessions/{session_id}/viewers", h.HandleLeave)
}

func (h *Handler) parseSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return sessionID, true
}

func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) (sessionID, userID uuid.UUID, ok bool) {
	sessionID, ok = h.parseSessionID(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	var req viewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return sessionID, req.UserID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
