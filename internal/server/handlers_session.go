package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/storage"
	"github.com/carapace-run/carapace/pkg/types"
)

type createSessionRequest struct {
	ChannelType string `json:"channel_type,omitempty"`
	ChannelRef  string `json:"channel_ref,omitempty"`
}

// newSessionID returns a 12-hex-char session directory name (§6
// "Persisted state layout").
func newSessionID() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func toSessionInfo(state *types.SessionState) types.SessionInfo {
	return types.SessionInfo{
		SessionID:  state.SessionID,
		ChannelRef: state.ChannelRef,
		CreatedAt:  state.CreatedAt,
		LastActive: state.LastActive,
		ParentID:   state.ParentID,
	}
}

// createSession implements POST /sessions (§6).
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
			return
		}
	}

	id, err := newSessionID()
	if err != nil {
		logging.Error().Err(err).Msg("server: generate session id")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to generate session id")
		return
	}

	now := time.Now().Unix()
	state := &types.SessionState{
		SessionID:   id,
		ChannelType: req.ChannelType,
		ChannelRef:  req.ChannelRef,
		CreatedAt:   now,
		LastActive:  now,
	}
	if err := s.store.SaveState(id, state); err != nil {
		logging.Error().Err(err).Str("session", id).Msg("server: save new session state")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, toSessionInfo(state))
}

// listSessions implements GET /sessions, ordered by last-active
// descending (§6).
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list sessions")
		return
	}

	infos := make([]types.SessionInfo, 0, len(ids))
	for _, id := range ids {
		state, err := s.store.LoadState(id)
		if err != nil {
			continue
		}
		infos = append(infos, toSessionInfo(state))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LastActive > infos[j].LastActive })

	writeJSON(w, http.StatusOK, infos)
}

// getSession implements GET /sessions/{id}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	state, err := s.store.LoadState(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionInfo(state))
}

// deleteSession implements DELETE /sessions/{id}, also triggering
// sandbox cleanup (§6).
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.store.Exists(id) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	if err := s.sandbox.CleanupSession(r.Context(), id); err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("server: sandbox cleanup on delete")
	}
	if err := s.store.DeleteSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getHistory implements GET /sessions/{id}/history?limit=N (§6).
// limit<=0 means all; a positive limit returns the last N messages.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.store.Exists(id) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	messages, err := s.store.LoadHistory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load history")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit > 0 && limit < len(messages) {
		messages = messages[len(messages)-limit:]
	}

	writeJSON(w, http.StatusOK, messages)
}
