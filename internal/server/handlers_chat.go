package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/carapace-run/carapace/internal/channel"
	"github.com/carapace-run/carapace/internal/logging"
)

// sessionNotFoundCloseCode is the application-specific websocket close
// code for "session not found" (§6 "4004 on session not found").
const sessionNotFoundCloseCode = 4004

// chat implements GET /chat/{session_id} (§6): upgrades the request to
// a websocket-backed User Channel and hands it to the Orchestrator for
// the session's lifetime. Auth happens after upgrade because a
// browser's native WebSocket client cannot attach an Authorization
// header to the handshake, so §6 allows the token as a query
// parameter on this endpoint specifically.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	token := bearerOrQueryToken(r)
	exists := s.store.Exists(sessionID)

	conn, err := channel.Upgrade(w, r)
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("server: websocket upgrade failed")
		return
	}
	defer conn.Close()

	if token != s.cfg.Token {
		conn.CloseWithCode(websocket.ClosePolicyViolation, "invalid token")
		return
	}
	if !exists {
		conn.CloseWithCode(sessionNotFoundCloseCode, "session not found")
		return
	}

	s.orch.Serve(r.Context(), sessionID, conn)
}

// bearerOrQueryToken reads the bearer token from the Authorization
// header if present, else from the ?token= query parameter (§6).
func bearerOrQueryToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
