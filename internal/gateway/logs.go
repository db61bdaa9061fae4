package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/leibniz-psychology/bawwab/internal/protocol"
)

// handleListLogs lists the caller's job transcripts.
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	entries := []protocol.LogEntry{}
	if s.logs != nil {
		names, err := s.logs.ListLogs(session.User)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, n := range names {
			entries = append(entries, protocol.LogEntry{Name: n})
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGetLog returns one transcript as plain text.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if s.logs == nil {
		writeStatus(w, http.StatusNotFound, protocol.StatusNotFound)
		return
	}
	data, err := s.logs.Open(session.User, chi.URLParam(r, "name"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, protocol.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}
