package remote

import (
	"errors"
	"testing"
)

func TestHandshake_Challenge(t *testing.T) {
	tests := []struct {
		name        string
		accept      bool
		instruction string
		questions   []string
		want        []string
		wantErr     bool
		wantState   HandshakeState
	}{
		{
			name:      "password prompt",
			questions: []string{"Password: "},
			want:      []string{"pw"},
			wantState: StateAwaitingPassword,
		},
		{
			name:      "agreement declined",
			questions: []string{"Do you accept the Terms of Service? "},
			wantErr:   true,
			wantState: StateAwaitingAgreement,
		},
		{
			name:      "agreement accepted",
			accept:    true,
			questions: []string{"Password: ", "Do you accept the terms of use? "},
			want:      []string{"pw", "yes"},
			wantState: StateAwaitingPassword,
		},
		{
			name:        "agreement in instruction only",
			instruction: "Please read the usage agreement at https://example.org",
			questions:   []string{""},
			wantErr:     true,
			wantState:   StateAwaitingAgreement,
		},
		{
			name:      "no questions",
			questions: nil,
			want:      []string{},
			wantState: StateAwaitingPassword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHandshake("pw", DefaultAgreementPolicy(), tt.accept)
			got, err := hs.Challenge("", tt.instruction, tt.questions, make([]bool, len(tt.questions)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Fatalf("answers = %q, want %q", got, tt.want)
				}
				for i := range got {
					if got[i] != tt.want[i] {
						t.Errorf("answer %d = %q, want %q", i, got[i], tt.want[i])
					}
				}
			}
			if hs.State() != tt.wantState {
				t.Errorf("state = %v, want %v", hs.State(), tt.wantState)
			}
		})
	}
}

func TestHandshake_Finish(t *testing.T) {
	dialErr := errors.New("ssh: handshake failed")

	tests := []struct {
		name       string
		declined   bool
		dialErr    error
		authFailed bool
		want       error
		wantState  HandshakeState
	}{
		{name: "established", wantState: StateEstablished},
		{name: "rejected", dialErr: dialErr, authFailed: true, want: ErrAuthRejected, wantState: StateRejected},
		{name: "agreement pending", declined: true, dialErr: dialErr, authFailed: true, want: ErrAgreementRequired, wantState: StateAwaitingAgreement},
		{name: "network", dialErr: dialErr, want: ErrTransport, wantState: StateAwaitingPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHandshake("pw", DefaultAgreementPolicy(), false)
			if tt.declined {
				_, _ = hs.Challenge("", "", []string{"Accept the usage agreement? "}, []bool{true})
			}
			err := hs.Finish(tt.dialErr, tt.authFailed)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if hs.State() != tt.wantState {
				t.Errorf("state = %v, want %v", hs.State(), tt.wantState)
			}
		})
	}
}

func TestHandshake_AgreementText(t *testing.T) {
	hs := NewHandshake("pw", DefaultAgreementPolicy(), true)
	_, _ = hs.Challenge("", "", []string{"Do you accept the terms of service? "}, []bool{true})
	if hs.Agreement() != "Do you accept the terms of service? " {
		t.Errorf("unexpected agreement %q", hs.Agreement())
	}
}
