package api

import (
	"net/http"

	"github.com/nerrad567/casa-relay/internal/session"
)

// handleListSessions returns the in-process index.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.Snapshot()
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleResetIndex wipes the index. The next lookup miss rebuilds it from
// the Session Store.
func (s *Server) handleResetIndex(w http.ResponseWriter, r *http.Request) {
	before := s.registry.Stats()
	s.registry.ResetIndex()

	s.logger.Info("session index reset via API",
		"sessions", before.Sessions,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	w.WriteHeader(http.StatusNoContent)
}
