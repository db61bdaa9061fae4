package remote

import (
	"errors"
	"regexp"
	"sync"
)

// HandshakeState is the authentication progress of one establishment.
type HandshakeState int

const (
	StateAwaitingPassword HandshakeState = iota
	StateAwaitingAgreement
	StateEstablished
	StateRejected
)

func (s HandshakeState) String() string {
	switch s {
	case StateAwaitingPassword:
		return "awaiting-password"
	case StateAwaitingAgreement:
		return "awaiting-agreement"
	case StateEstablished:
		return "established"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AgreementPolicy describes how the backend asks for acknowledgement of its
// usage agreement during keyboard-interactive authentication.
type AgreementPolicy struct {
	// Prompt matches the question (or instruction) that asks for acceptance.
	Prompt *regexp.Regexp
	// Response is sent when the caller accepted the agreement.
	Response string
}

// DefaultAgreementPolicy matches prompts mentioning terms of service.
func DefaultAgreementPolicy() AgreementPolicy {
	return AgreementPolicy{
		Prompt:   regexp.MustCompile(`(?i)(terms of (service|use)|usage agreement)`),
		Response: "yes",
	}
}

var errAgreementDeclined = errors.New("usage agreement not accepted")

// Handshake answers the backend's authentication challenges for a single
// establishment attempt and records which state it ended in.
//
// Transitions: awaiting-password -> awaiting-agreement -> established, or
// -> rejected from either waiting state.
type Handshake struct {
	password string
	accept   bool
	policy   AgreementPolicy

	mu        sync.Mutex
	state     HandshakeState
	agreement string
}

// NewHandshake prepares a handshake. accept reports whether the user
// explicitly acknowledged the usage agreement for this attempt.
func NewHandshake(password string, policy AgreementPolicy, accept bool) *Handshake {
	return &Handshake{
		password: password,
		accept:   accept,
		policy:   policy,
		state:    StateAwaitingPassword,
	}
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Agreement returns the agreement prompt text seen during the handshake.
func (h *Handshake) Agreement() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agreement
}

// Password answers plain password authentication.
func (h *Handshake) Password() (string, error) {
	return h.password, nil
}

// Challenge answers a keyboard-interactive round. Its signature matches
// ssh.KeyboardInteractiveChallenge.
func (h *Handshake) Challenge(name, instruction string, questions []string, echos []bool) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	answers := make([]string, len(questions))
	for i, q := range questions {
		if h.isAgreement(instruction, q) {
			h.agreement = q
			if !h.accept {
				h.state = StateAwaitingAgreement
				return nil, errAgreementDeclined
			}
			answers[i] = h.policy.Response
			continue
		}
		answers[i] = h.password
	}
	return answers, nil
}

func (h *Handshake) isAgreement(instruction, question string) bool {
	if h.policy.Prompt == nil {
		return false
	}
	return h.policy.Prompt.MatchString(question) ||
		(question == "" && h.policy.Prompt.MatchString(instruction))
}

// Finish moves the handshake into its terminal state given the outcome of
// the dial and returns the error kind the caller should see. authFailed
// reports whether dialErr came from the authentication phase.
func (h *Handshake) Finish(dialErr error, authFailed bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if dialErr == nil {
		h.state = StateEstablished
		return nil
	}
	if h.state == StateAwaitingAgreement {
		return ErrAgreementRequired
	}
	if authFailed {
		h.state = StateRejected
		return ErrAuthRejected
	}
	return transportError("dial", dialErr)
}
