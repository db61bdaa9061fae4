package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leibniz-psychology/bawwab/internal/remote"
)

// ErrBroken is what a closed or sabotaged fake transport returns.
var ErrBroken = errors.New("fake transport broken")

// Transport is an in-memory connection.
type Transport struct {
	ID   int
	User string

	// OnStart creates the process for a command (default Echo).
	OnStart func(argv []string) (*Process, error)

	banner chan string
	files  *Files

	mu         sync.Mutex
	closed     bool
	failStarts int
	failFiles  int
	pingErr    error
	processes  []*Process
	fileOpens  int
}

// NewTransport creates a transport. A non-empty banner is delivered as the
// welcome message.
func NewTransport(id int, user, banner string, files *Files) *Transport {
	t := &Transport{ID: id, User: user, banner: make(chan string, 1), files: files}
	if banner != "" {
		t.banner <- banner
	}
	return t
}

// FailStarts makes the next n StartProcess calls fail.
func (t *Transport) FailStarts(n int) {
	t.mu.Lock()
	t.failStarts = n
	t.mu.Unlock()
}

// FailFiles makes the next n OpenFiles calls fail.
func (t *Transport) FailFiles(n int) {
	t.mu.Lock()
	t.failFiles = n
	t.mu.Unlock()
}

// Break makes every further operation fail, like a dropped TCP connection.
func (t *Transport) Break() {
	t.mu.Lock()
	t.pingErr = ErrBroken
	t.failStarts = 1 << 30
	t.failFiles = 1 << 30
	t.mu.Unlock()
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Processes returns the processes started on this transport.
func (t *Transport) Processes() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Process(nil), t.processes...)
}

// FileOpens counts successful OpenFiles calls.
func (t *Transport) FileOpens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileOpens
}

func (t *Transport) StartProcess(ctx context.Context, argv []string) (remote.Process, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrBroken
	}
	if t.failStarts > 0 {
		t.failStarts--
		t.mu.Unlock()
		return nil, fmt.Errorf("open channel: %w", ErrBroken)
	}
	onStart := t.OnStart
	t.mu.Unlock()

	if onStart == nil {
		onStart = Echo
	}
	p, err := onStart(argv)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.processes = append(t.processes, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) OpenFiles() (remote.FileClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrBroken
	}
	if t.failFiles > 0 {
		t.failFiles--
		return nil, fmt.Errorf("subsystem request: %w", ErrBroken)
	}
	t.fileOpens++
	if t.files == nil {
		t.files = NewFiles()
	}
	return t.files.session(), nil
}

func (t *Transport) Banner() <-chan string { return t.banner }

func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrBroken
	}
	return t.pingErr
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Dialer hands out fake transports and records how establishment went.
type Dialer struct {
	// Passwords maps user to the password the backend accepts. Users not
	// listed are accepted with any password.
	Passwords map[string]string
	// RequireAgreement makes the backend ask for the usage agreement.
	RequireAgreement bool
	// Delay is how long each establishment takes.
	Delay time.Duration
	// Banner is sent by every new transport.
	Banner string
	// Files backs the file channel of every transport (shared).
	Files *Files
	// OnStart is copied to every new transport.
	OnStart func(argv []string) (*Process, error)

	mu          sync.Mutex
	failDials   int
	dials       int
	inFlight    map[string]int
	maxInFlight map[string]int
	transports  []*Transport
}

// FailDials makes the next n dials fail at the network level.
func (d *Dialer) FailDials(n int) {
	d.mu.Lock()
	d.failDials = n
	d.mu.Unlock()
}

// Dials counts establishment attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// MaxInFlight returns the highest number of concurrent establishment
// attempts observed for user.
func (d *Dialer) MaxInFlight(user string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight[user]
}

// Transports returns every transport handed out, oldest first.
func (d *Dialer) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}

// Last returns the most recent transport.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *Dialer) Dial(ctx context.Context, creds remote.Credentials, hs *remote.Handshake) (remote.Transport, error) {
	d.mu.Lock()
	if d.inFlight == nil {
		d.inFlight = make(map[string]int)
		d.maxInFlight = make(map[string]int)
	}
	d.dials++
	d.inFlight[creds.User]++
	if n := d.inFlight[creds.User]; n > d.maxInFlight[creds.User] {
		d.maxInFlight[creds.User] = n
	}
	fail := d.failDials > 0
	if fail {
		d.failDials--
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight[creds.User]--
		d.mu.Unlock()
	}()

	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, hs.Finish(ctx.Err(), false)
		}
	}
	if fail {
		return nil, hs.Finish(fmt.Errorf("dial tcp: %w", ErrBroken), false)
	}

	if want, ok := d.Passwords[creds.User]; ok {
		answers, err := hs.Challenge("", "", []string{"Password: "}, []bool{false})
		if err != nil || len(answers) != 1 || answers[0] != want {
			return nil, hs.Finish(errors.New("ssh: handshake failed: ssh: unable to authenticate"), true)
		}
	}
	if d.RequireAgreement {
		answers, err := hs.Challenge("", "", []string{"Do you accept the terms of service? "}, []bool{true})
		if err != nil || len(answers) != 1 || answers[0] == "" {
			return nil, hs.Finish(errors.New("ssh: handshake failed: ssh: unable to authenticate"), true)
		}
	}
	if err := hs.Finish(nil, false); err != nil {
		return nil, err
	}

	d.mu.Lock()
	t := NewTransport(len(d.transports)+1, creds.User, d.Banner, d.Files)
	t.OnStart = d.OnStart
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// Credentials is a static credential source keyed by user.
type Credentials map[string]string

func (c Credentials) Credentials(ctx context.Context, user string) (remote.Credentials, error) {
	pw, ok := c[user]
	if !ok {
		return remote.Credentials{}, remote.ErrNoCredentials
	}
	return remote.Credentials{User: user, Password: pw}, nil
}
