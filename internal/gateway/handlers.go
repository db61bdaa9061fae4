package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/leibniz-psychology/bawwab/internal/protocol"
)

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}

// handleLogin opens a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errBadRequest)
		return
	}
	if s.auth.Throttled(ip, req.User) {
		s.log.Warn().Str("ip", ip).Str("user", req.User).Msg("login throttled")
		writeStatus(w, http.StatusTooManyRequests, protocol.StatusRateLimited)
		return
	}

	session, err := s.auth.Login(r.Context(), req.User, req.Password, req.TOTP)
	if err != nil {
		if errors.Is(err, errBadLogin) {
			s.auth.RecordLogin(ip, req.User, false)
			s.log.Warn().Str("ip", ip).Str("user", req.User).Msg("failed login attempt")
		}
		s.writeError(w, r, err)
		return
	}

	s.auth.RecordLogin(ip, req.User, true)
	s.auth.SetSessionCookie(w, session)
	s.log.Info().Str("user", session.User).Msg("user logged in")
	writeJSON(w, http.StatusOK, protocol.LoginResponse{
		Status:    protocol.StatusOK,
		User:      session.User,
		CSRFToken: session.CSRFToken,
	})
}

// handleLogout ends the session. Running jobs and connections are kept.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := sessionFromContext(r.Context()); session != nil {
		_ = s.auth.DeleteSession(r.Context(), session.ID)
	}
	s.auth.ClearSessionCookie(w)
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}

// handleStatus returns the broker and connection counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	bs := s.broker.Stats()
	cs := s.conns.Stats()
	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Users:                bs.Users,
		Sockets:              bs.Sockets,
		Processes:            bs.Processes,
		ReplayBufferMessages: bs.ReplayBufferMessages,
		Connections:          cs.Connections,
		PinnedConnections:    cs.Pinned,
	})
}

// handleDisconnect closes all backend connections of the caller.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	s.conns.Disconnect(session.User)
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}
