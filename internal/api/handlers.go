package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quantum-collab/internal/auth"
	"quantum-collab/internal/middleware"
	"quantum-collab/internal/repository"
	"quantum-collab/internal/services/collaboration"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handler serves the session management surface. Real-time traffic goes
// over the WebSocket route; everything here is control-plane.
type Handler struct {
	registry  *collaboration.Registry
	gate      *collaboration.AccessGate
	repo      *repository.CollabRepository
	verifier  auth.Verifier
	wsHandler *collaboration.WSHandler
}

func NewHandler(
	registry *collaboration.Registry,
	gate *collaboration.AccessGate,
	repo *repository.CollabRepository,
	verifier auth.Verifier,
	wsHandler *collaboration.WSHandler,
) *Handler {
	return &Handler{
		registry:  registry,
		gate:      gate,
		repo:      repo,
		verifier:  verifier,
		wsHandler: wsHandler,
	}
}

// authenticate extracts and verifies the bearer token.
func (h *Handler) authenticate(r *http.Request) (*auth.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, auth.ErrMissingToken
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return nil, auth.ErrInvalidToken
	}
	return h.verifier.Verify(token)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		Name   string `json:"name"`
		Public bool   `json:"public"`
	}
	if r.Body != nil {
		// An empty body creates an unnamed private session.
		json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID := uuid.NewString()
	session := h.registry.CreateSession(r.Context(), sessionID, identity.UserID, req.Name)
	if req.Public {
		session.SetPublic(true)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": session.ID,
		"owner_id":   session.OwnerID,
		"name":       session.Name(),
		"public":     session.Public(),
		"created_at": session.CreatedAt,
		"ws_url":     fmt.Sprintf("/ws/sessions/%s", session.ID),
	})
}

// ListSessions handles GET /api/sessions: live sessions the caller can
// read, plus the caller's persisted sessions with no current connections.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit, offset := parsePagination(r)

	type sessionSummary struct {
		SessionID   string    `json:"session_id"`
		OwnerID     string    `json:"owner_id"`
		Name        string    `json:"name"`
		Public      bool      `json:"public"`
		Version     int       `json:"version"`
		Connections int       `json:"connections"`
		Live        bool      `json:"live"`
		UpdatedAt   time.Time `json:"updated_at"`
	}

	seen := make(map[string]bool)
	summaries := make([]sessionSummary, 0)
	for _, session := range h.registry.AllSessions() {
		if !h.gate.CheckPermission(r.Context(), identity, session.ID, collaboration.ActionRead) {
			continue
		}
		seen[session.ID] = true
		summaries = append(summaries, sessionSummary{
			SessionID:   session.ID,
			OwnerID:     session.OwnerID,
			Name:        session.Name(),
			Public:      session.Public(),
			Version:     session.Version(),
			Connections: session.ConnectionCount(),
			Live:        true,
			UpdatedAt:   session.UpdatedAt(),
		})
	}

	records, err := h.repo.ListSessionsByOwner(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		summaries = append(summaries, sessionSummary{
			SessionID: rec.ID,
			OwnerID:   rec.OwnerID,
			Name:      rec.Name,
			Public:    rec.Public,
			Version:   rec.Version,
			UpdatedAt: rec.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetSession handles GET /api/sessions/{id}: live statistics for a session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	_, session, ok := h.requireSession(w, r, collaboration.ActionRead)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   session.ID,
		"owner_id":     session.OwnerID,
		"name":         session.Name(),
		"public":       session.Public(),
		"version":      session.Version(),
		"edit_count":   session.EditCount(),
		"connections":  session.ConnectionCount(),
		"participants": session.Participants(),
		"created_at":   session.CreatedAt,
		"updated_at":   session.UpdatedAt(),
	})
}

// DeleteSession handles DELETE /api/sessions/{id}. Owner only.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	_, session, ok := h.requireSession(w, r, collaboration.ActionDelete)
	if !ok {
		return
	}

	if err := h.registry.DeleteSession(r.Context(), session.ID); err != nil {
		if errors.Is(err, collaboration.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetContent handles GET /api/sessions/{id}/content.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	_, session, ok := h.requireSession(w, r, collaboration.ActionRead)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"content":    session.Content(),
		"version":    session.Version(),
	})
}

// GetParticipants handles GET /api/sessions/{id}/participants.
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	_, session, ok := h.requireSession(w, r, collaboration.ActionRead)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   session.ID,
		"participants": session.Participants(),
		"active_users": h.gate.ActiveUsers(session.ID),
	})
}

// GetHistory handles GET /api/sessions/{id}/history with pagination. Live
// sessions serve from memory; otherwise the durable edit log answers.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireRead(w, r)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)

	if session := h.registry.GetSession(sessionID); session != nil {
		entries, total := session.History(limit, offset)
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sessionID,
			"history":    entries,
			"total":      total,
			"limit":      limit,
			"offset":     offset,
		})
		return
	}

	recs, err := h.repo.GetEditHistory(r.Context(), sessionID, limit, offset)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load edit history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"history":    recs,
		"limit":      limit,
		"offset":     offset,
	})
}

// GetComments handles GET /api/sessions/{id}/comments, falling back to the
// persisted comment rows when the session has no live state.
func (h *Handler) GetComments(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	if session := h.registry.GetSession(sessionID); session != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sessionID,
			"comments":   session.Comments(),
		})
		return
	}

	recs, err := h.repo.GetComments(r.Context(), sessionID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load comments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"comments":   recs,
	})
}

// requireRead authenticates the caller and checks read access against a
// session that may only exist in the durable store.
func (h *Handler) requireRead(w http.ResponseWriter, r *http.Request) (string, bool) {
	return h.requireAccess(w, r, collaboration.ActionRead)
}

// requireAccess authenticates the caller and checks the action against a
// session that may only exist in the durable store.
func (h *Handler) requireAccess(w http.ResponseWriter, r *http.Request, action collaboration.Action) (string, bool) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return "", false
	}

	sessionID := mux.Vars(r)["id"]
	if _, err := h.registry.ResolveSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return "", false
	}

	if !h.gate.CheckPermission(r.Context(), identity, sessionID, action) {
		writeError(w, http.StatusForbidden, "access denied")
		return "", false
	}

	return sessionID, true
}

// AddParticipant handles POST /api/sessions/{id}/participants. Owner only:
// grants the listed user read/write/comment access. The grant is written
// through to the store so it survives the session going idle.
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireAccess(w, r, collaboration.ActionManage)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.registry.GrantMembership(r.Context(), sessionID, req.UserID); err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to add participant")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"user_id":    req.UserID,
		"status":     "added",
	})
}

// Cleanup handles POST /api/sessions/{id}/cleanup. Owner only: disconnects
// idle connections immediately instead of waiting for the sweep.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	_, session, ok := h.requireSession(w, r, collaboration.ActionManage)
	if !ok {
		return
	}

	swept := h.registry.SweepIdle()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"swept":      swept,
	})
}

// requireSession authenticates the caller, looks up a live session, and
// checks the action against the permission matrix. Writes the error
// response itself when any step fails.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request, action collaboration.Action) (*auth.Identity, *collaboration.Session, bool) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, nil, false
	}

	sessionID := mux.Vars(r)["id"]
	session := h.registry.GetSession(sessionID)
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, nil, false
	}

	if !h.gate.CheckPermission(r.Context(), identity, sessionID, action) {
		writeError(w, http.StatusForbidden, "access denied")
		return nil, nil, false
	}

	return identity, session, true
}
