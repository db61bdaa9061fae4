// Package remote manages per-user transport connections to the compute host.
//
// Every user gets at most one current connection. Establishment is
// serialized per user, a broken connection is replaced transparently once,
// and idle connections are closed by a periodic reaper.
package remote

import (
	"context"
	"io"
	"os"
)

// Credentials identify a user on the backend host.
type Credentials struct {
	User     string
	Password string
}

// CredentialSource resolves backend credentials for a user key.
type CredentialSource interface {
	Credentials(ctx context.Context, user string) (Credentials, error)
}

// Dialer opens a physical connection for one user.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, hs *Handshake) (Transport, error)
}

// Transport is one physical connection multiplexing command channels and
// a file-transfer channel.
type Transport interface {
	// StartProcess opens a command channel and runs argv on it.
	StartProcess(ctx context.Context, argv []string) (Process, error)

	// OpenFiles opens a new file-transfer channel.
	OpenFiles() (FileClient, error)

	// Banner yields the welcome message sent during establishment, if any.
	Banner() <-chan string

	// Ping checks that the connection still answers requests.
	Ping() error

	Close() error
}

// ExitStatus describes how a remote process ended. Code is nil when the
// process was killed by a signal or the status was never reported.
type ExitStatus struct {
	Code   *int
	Signal *string
}

// Process is one remote command running on a command channel.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits. A non-nil error means the exit
	// status could not be observed (channel torn down, connection lost).
	Wait() (ExitStatus, error)

	// Signal delivers a signal by name ("TERM", "KILL", ...).
	Signal(name string) error

	Close() error
}

// FileClient is the file-transfer channel surface used by the gateway.
type FileClient interface {
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldpath, newpath string) error
	Mkdir(path string) error

	// Getwd doubles as the liveness probe of a cached channel.
	Getwd() (string, error)

	Close() error
}
