package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks a broken channel or connection. Operations failing
	// with it are retried once against a fresh connection.
	ErrTransport = errors.New("transport broken")

	// ErrAuthRejected is returned when the backend refuses the user's
	// credentials. Never retried.
	ErrAuthRejected = errors.New("backend rejected credentials")

	// ErrAgreementRequired is returned when the backend requires the user to
	// acknowledge a usage agreement before granting shell access. The caller
	// must acquire again with AcceptAgreement set.
	ErrAgreementRequired = errors.New("usage agreement required")

	// ErrNoCredentials is returned when the credential source does not know
	// the user.
	ErrNoCredentials = errors.New("no backend credentials for user")

	// ErrDisconnected is returned for an establishment that was overtaken by
	// an explicit disconnect of the user.
	ErrDisconnected = errors.New("user disconnected")

	// File-transfer error kinds.
	ErrNotFound         = errors.New("no such file")
	ErrPermissionDenied = errors.New("permission denied")
	ErrFailure          = errors.New("file operation failed")
)

// transportError wraps err so that errors.Is(err, ErrTransport) holds while
// keeping the original cause reachable.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// permanent reports whether err must never be retried.
func permanent(err error) bool {
	return errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrAgreementRequired) ||
		errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrDisconnected)
}
