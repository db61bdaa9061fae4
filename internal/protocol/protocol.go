// Package protocol defines the JSON payloads exchanged between the gateway
// and browser clients.
package protocol

import (
	"encoding/json"
	"os"
)

// Status strings returned to clients.
const (
	StatusOK               = "ok"
	StatusUnauthenticated  = "unauthenticated"
	StatusForbidden        = "forbidden"
	StatusMakeUpYourMind   = "make_up_your_mind"
	StatusTokenNotFound    = "token_not_found"
	StatusExpired          = "expired"
	StatusProcessExists    = "process_exists"
	StatusMissingToken     = "missing_token"
	StatusLockedOut        = "locked_out"
	StatusTermsOfService   = "terms_of_service"
	StatusNotFound         = "notfound"
	StatusPermissionDenied = "permissiondenied"
	StatusInvalidType      = "invalid_type"
	StatusRateLimited      = "rate_limited"
	StatusBadRequest       = "bad_request"
	StatusError            = "error"
	StatusBackend          = "backend"
	StatusBug              = "bug"
)

// StartRequest asks the gateway to run a command. Exactly one of Command
// and Action must be set.
type StartRequest struct {
	Token            string          `json:"token"`
	Command          []string        `json:"command,omitempty"`
	Action           string          `json:"action,omitempty"`
	ExtraData        json.RawMessage `json:"extraData,omitempty"`
	UseNewConnection bool            `json:"useNewConnection,omitempty"`
	AcceptAgreement  bool            `json:"acceptAgreement,omitempty"`
}

// Response is the generic reply of state-changing endpoints.
type Response struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

// LoginRequest carries the login form.
type LoginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
}

// LoginResponse returns the CSRF token to echo in X-CSRF-Token.
type LoginResponse struct {
	Status    string `json:"status"`
	User      string `json:"user"`
	CSRFToken string `json:"csrfToken"`
}

// StatusResponse reports the gateway's counters.
type StatusResponse struct {
	Users                int `json:"users"`
	Sockets              int `json:"sockets"`
	Processes            int `json:"processes"`
	ReplayBufferMessages int `json:"replayBufferMessages"`
	Connections          int `json:"connections"`
	PinnedConnections    int `json:"pinnedConnections"`
}

// FileEntry is one element of a directory listing.
type FileEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// NewFileEntry converts file info into a listing entry.
func NewFileEntry(fi os.FileInfo) FileEntry {
	return FileEntry{Name: fi.Name(), Size: fi.Size(), IsDir: fi.IsDir()}
}

// FileOperation is the body of POST /api/filesystem/{path}.
type FileOperation struct {
	// Op is one of "rename", "copy" or "mkdir".
	Op          string `json:"op"`
	Destination string `json:"destination,omitempty"`
}

// File operations.
const (
	FileOpRename = "rename"
	FileOpCopy   = "copy"
	FileOpMkdir  = "mkdir"
)

// LogEntry names a stored job transcript.
type LogEntry struct {
	Name string `json:"name"`
}
