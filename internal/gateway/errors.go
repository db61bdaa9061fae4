package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/leibniz-psychology/bawwab/internal/broker"
	"github.com/leibniz-psychology/bawwab/internal/protocol"
	"github.com/leibniz-psychology/bawwab/internal/remote"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

var (
	errMakeUpYourMind = errors.New("both command and action given")
	errNoCommand      = errors.New("neither command nor action given")
	errInvalidType    = errors.New("not a regular file or directory")
	errBadRequest     = errors.New("malformed request")
)

// statusFor maps an error onto the HTTP status and the client-facing status
// string. Anything unknown is a bug.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errMakeUpYourMind):
		return http.StatusBadRequest, protocol.StatusMakeUpYourMind
	case errors.Is(err, errBadRequest), errors.Is(err, broker.ErrEmptyCommand):
		return http.StatusBadRequest, protocol.StatusBadRequest
	case errors.Is(err, broker.ErrMissingToken):
		return http.StatusBadRequest, protocol.StatusMissingToken
	case errors.Is(err, broker.ErrTokenCollision):
		return http.StatusBadRequest, protocol.StatusProcessExists
	case errors.Is(err, broker.ErrJobNotFound):
		return http.StatusNotFound, protocol.StatusNotFound
	case errors.Is(err, store.ErrActionNotFound):
		return http.StatusNotFound, protocol.StatusTokenNotFound
	case errors.Is(err, store.ErrActionExpired):
		return http.StatusGone, protocol.StatusExpired
	case errors.Is(err, errNoCommand),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, remote.ErrNoCredentials):
		return http.StatusForbidden, protocol.StatusForbidden
	case errors.Is(err, errBadLogin):
		return http.StatusUnauthorized, protocol.StatusUnauthenticated
	case errors.Is(err, remote.ErrAuthRejected):
		return http.StatusForbidden, protocol.StatusLockedOut
	case errors.Is(err, remote.ErrAgreementRequired):
		return http.StatusForbidden, protocol.StatusTermsOfService
	case errors.Is(err, errInvalidType):
		return http.StatusForbidden, protocol.StatusInvalidType
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, protocol.StatusNotFound
	case errors.Is(err, remote.ErrPermissionDenied):
		return http.StatusForbidden, protocol.StatusPermissionDenied
	case errors.Is(err, remote.ErrFailure):
		return http.StatusInternalServerError, protocol.StatusError
	case errors.Is(err, remote.ErrTransport),
		errors.Is(err, remote.ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusBadGateway, protocol.StatusBackend
	default:
		return http.StatusInternalServerError, protocol.StatusBug
	}
}

// writeError answers with the status of err. Bugs are logged since the
// client only ever sees the status string.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := statusFor(err)
	ev := s.log.Debug()
	if status == protocol.StatusBug {
		ev = s.log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Str("status", status).Msg("request failed")
	writeStatus(w, code, status)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, protocol.Response{Status: status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
