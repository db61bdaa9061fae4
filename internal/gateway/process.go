package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/leibniz-psychology/bawwab/internal/broker"
	"github.com/leibniz-psychology/bawwab/internal/protocol"
	"github.com/leibniz-psychology/bawwab/internal/remote"
)

// handleStartProcess starts a job either from an explicit command, run as
// the caller, or from an action token, run as the action's owner with
// {user} replaced by the caller. Notifications always go to the caller.
func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	var req protocol.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errBadRequest)
		return
	}

	start := broker.StartRequest{
		User:      session.User,
		Token:     req.Token,
		ExtraData: req.ExtraData,
		Options: remote.AcquireOptions{
			ForceNew:        req.UseNewConnection,
			AcceptAgreement: req.AcceptAgreement,
		},
	}

	isAction := req.Action != ""
	isCommand := len(req.Command) > 0
	switch {
	case isAction && isCommand:
		s.writeError(w, r, errMakeUpYourMind)
		return
	case !isAction && !isCommand:
		s.writeError(w, r, errNoCommand)
		return
	case req.Token == "":
		// Checked before resolving so a malformed request does not use up
		// an action.
		s.writeError(w, r, broker.ErrMissingToken)
		return
	case isAction:
		action, err := s.store.ResolveAction(r.Context(), req.Action)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		start.RunAs = action.User
		start.Command = substituteUser(action.Command, session.User)
		if len(start.ExtraData) == 0 {
			start.ExtraData = action.ExtraData
		}
	default:
		start.Command = req.Command
	}

	if _, err := s.broker.Start(r.Context(), start); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Response{Status: protocol.StatusOK, Token: req.Token})
}

func substituteUser(command []string, user string) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, "{user}", user)
	}
	return out
}

// handleStopProcess sends TERM to a job of the caller.
func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if err := s.broker.Stop(session.User, chi.URLParam(r, "token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}
