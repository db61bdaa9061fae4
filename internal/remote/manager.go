package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Options tune the connection lifecycle. Zero values fall back to defaults.
type Options struct {
	IdleTimeout   time.Duration // close connections unused for longer (default 10m)
	ReapInterval  time.Duration // how often the idle reaper runs (default 1h)
	BannerTimeout time.Duration // best-effort welcome read (default 500ms)

	FileAttempts          int           // file channel acquisition attempts (default 10)
	FileBackoff           time.Duration // first retry delay (default 500ms)
	FileBackoffMultiplier float64       // delay growth per attempt (default 1.2)

	Agreement AgreementPolicy

	// Now is the clock used for last-use bookkeeping (default time.Now).
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Hour
	}
	if o.BannerTimeout <= 0 {
		o.BannerTimeout = 500 * time.Millisecond
	}
	if o.FileAttempts <= 0 {
		o.FileAttempts = 10
	}
	if o.FileBackoff <= 0 {
		o.FileBackoff = 500 * time.Millisecond
	}
	if o.FileBackoffMultiplier < 1 {
		o.FileBackoffMultiplier = 1.2
	}
	if o.Agreement.Prompt == nil {
		o.Agreement = DefaultAgreementPolicy()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// AcquireOptions modify a single Acquire call.
type AcquireOptions struct {
	// ForceNew establishes a fresh connection even if a usable one exists.
	ForceNew bool
	// AcceptAgreement answers the backend's usage agreement prompt.
	AcceptAgreement bool
}

// Stats is a snapshot of the manager's state.
type Stats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Pinned      int `json:"pinned"`
}

// userConns holds the connections of one user, oldest first. Only the last
// one can be current.
type userConns struct {
	mu      sync.Mutex
	conns   []*Conn
	removed bool
}

// current returns the most recently inserted usable connection.
func (u *userConns) current() *Conn {
	for i := len(u.conns) - 1; i >= 0; i-- {
		if c := u.conns[i]; c.Usable() {
			return c
		}
	}
	return nil
}

// Manager owns all transport connections, partitioned by user key.
type Manager struct {
	log    zerolog.Logger
	dialer Dialer
	creds  CredentialSource
	opts   Options

	// group coalesces concurrent establishment for the same user into one
	// in-flight attempt.
	group  singleflight.Group
	nextID atomic.Uint64

	mu    sync.Mutex
	users map[string]*userConns
	// disconnects counts explicit disconnects per user. Establishments
	// begun under an older count are discarded.
	disconnects map[string]uint64
}

// NewManager creates a connection manager.
func NewManager(log zerolog.Logger, dialer Dialer, creds CredentialSource, opts Options) *Manager {
	return &Manager{
		log:    log.With().Str("component", "connmgr").Logger(),
		dialer: dialer,
		creds:  creds,
		opts:   opts.withDefaults(),
		users:  make(map[string]*userConns),

		disconnects: make(map[string]uint64),
	}
}

func (m *Manager) lookup(user string) *userConns {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[user]
}

func (m *Manager) current(user string) *Conn {
	uc := m.lookup(user)
	if uc == nil {
		return nil
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.current()
}

// Current returns the user's current connection without establishing one.
func (m *Manager) Current(user string) (*Conn, bool) {
	c := m.current(user)
	return c, c != nil
}

// Acquire returns the user's current connection, establishing one if none
// exists or ForceNew is set. Concurrent callers for the same user share one
// establishment attempt.
func (m *Manager) Acquire(ctx context.Context, user string, o AcquireOptions) (*Conn, error) {
	if !o.ForceNew {
		if c := m.current(user); c != nil {
			c.touch()
			return c, nil
		}
	}

	requested := m.opts.Now()
	for attempt := 0; attempt < 2; attempt++ {
		ch := m.group.DoChan(user, func() (any, error) {
			if !o.ForceNew {
				if c := m.current(user); c != nil {
					return c, nil
				}
			}
			// The attempt is shared; one caller going away must not abort it.
			return m.establish(context.WithoutCancel(ctx), user, o.AcceptAgreement)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}

		if res.Err != nil {
			// A joined attempt made without acknowledgement cannot satisfy a
			// caller that did acknowledge; try once on our own.
			if res.Shared && o.AcceptAgreement && errors.Is(res.Err, ErrAgreementRequired) {
				continue
			}
			return nil, res.Err
		}

		c := res.Val.(*Conn)
		if o.ForceNew && c.Created().Before(requested) {
			continue
		}
		c.touch()
		return c, nil
	}
	return nil, transportError("acquire", errors.New("no fresh connection after retry"))
}

func (m *Manager) establish(ctx context.Context, user string, accept bool) (*Conn, error) {
	m.mu.Lock()
	gen := m.disconnects[user]
	m.mu.Unlock()

	creds, err := m.creds.Credentials(ctx, user)
	if err != nil {
		return nil, err
	}

	hs := NewHandshake(creds.Password, m.opts.Agreement, accept)
	start := time.Now()
	t, err := m.dialer.Dial(ctx, creds, hs)
	if err != nil {
		if !permanent(err) {
			err = transportError("dial", err)
		}
		m.log.Warn().Err(err).
			Str("user", user).
			Str("handshake", hs.State().String()).
			Msg("connection establishment failed")
		return nil, err
	}

	c := newConn(m.nextID.Add(1), user, t, m.opts.Now)
	c.setBanner(m.readBanner(t))
	superseded, err := m.insert(c, gen)
	if err != nil {
		m.log.Info().Str("user", user).Uint64("conn", c.ID()).Msg("discarding connection established across disconnect")
		_ = c.Close()
		return nil, err
	}
	for _, old := range superseded {
		m.log.Debug().Str("user", user).Uint64("conn", old.ID()).Msg("closing superseded connection")
		_ = old.Close()
	}

	m.log.Info().
		Str("user", user).
		Uint64("conn", c.ID()).
		Dur("took", time.Since(start)).
		Msg("connection established")
	return c, nil
}

// readBanner waits briefly for a welcome message. No banner is not an error.
func (m *Manager) readBanner(t Transport) string {
	timer := time.NewTimer(m.opts.BannerTimeout)
	defer timer.Stop()
	select {
	case b, ok := <-t.Banner():
		if ok {
			return b
		}
	case <-timer.C:
	}
	return ""
}

// insert makes c the user's current connection. Older connections become
// unusable; those without pins are removed and returned for closing. It fails
// with ErrDisconnected if the user was disconnected since generation gen.
func (m *Manager) insert(c *Conn, gen uint64) ([]*Conn, error) {
	for {
		m.mu.Lock()
		if m.disconnects[c.User()] != gen {
			m.mu.Unlock()
			return nil, ErrDisconnected
		}
		uc, ok := m.users[c.User()]
		if !ok {
			uc = &userConns{}
			m.users[c.User()] = uc
		}
		m.mu.Unlock()

		uc.mu.Lock()
		if uc.removed {
			uc.mu.Unlock()
			continue
		}
		var superseded []*Conn
		keep := uc.conns[:0]
		for _, old := range uc.conns {
			old.markUnusable()
			if old.Pinned() {
				keep = append(keep, old)
				continue
			}
			superseded = append(superseded, old)
		}
		uc.conns = append(keep, c)
		uc.mu.Unlock()
		return superseded, nil
	}
}

// Invalidate retires a connection that failed. It is closed right away
// unless something still pins it, in which case the reaper closes it.
func (m *Manager) Invalidate(c *Conn) {
	c.markUnusable()
	if c.Pinned() {
		return
	}
	if uc := m.lookup(c.User()); uc != nil {
		uc.mu.Lock()
		for i, x := range uc.conns {
			if x == c {
				uc.conns = append(uc.conns[:i], uc.conns[i+1:]...)
				break
			}
		}
		uc.mu.Unlock()
	}
	_ = c.Close()
	m.log.Info().Str("user", c.User()).Uint64("conn", c.ID()).Msg("connection invalidated")
}

// Do runs op against the user's current connection. On a transport failure
// the connection is invalidated and op is retried exactly once on a freshly
// established one.
func (m *Manager) Do(ctx context.Context, user string, o AcquireOptions, op func(*Conn) error) error {
	c, err := m.Acquire(ctx, user, o)
	if err != nil {
		return err
	}
	err = op(c)
	if err == nil || !IsTransport(err) {
		return err
	}

	m.log.Warn().Err(err).Str("user", user).Uint64("conn", c.ID()).Msg("operation failed, retrying on new connection")
	m.Invalidate(c)

	o.ForceNew = true
	c, err = m.Acquire(ctx, user, o)
	if err != nil {
		return err
	}
	return op(c)
}

// StartProcess runs argv on the user's connection, retrying once on a fresh
// connection if the channel cannot be opened. The connection stays pinned
// until the returned unpin is called, which the caller does once it stopped
// reading the process output.
func (m *Manager) StartProcess(ctx context.Context, user string, o AcquireOptions, argv []string) (Process, func(), error) {
	var (
		proc  Process
		unpin func()
	)
	err := m.Do(ctx, user, o, func(c *Conn) error {
		release := c.Pin()
		p, err := c.Start(ctx, argv)
		if err != nil {
			release()
			return err
		}
		proc, unpin = p, release
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return proc, unpin, nil
}

// Disconnect closes every connection of a user, pinned or not. Connections
// still being established are closed as soon as they come up.
func (m *Manager) Disconnect(user string) {
	m.mu.Lock()
	m.disconnects[user]++
	uc, ok := m.users[user]
	delete(m.users, user)
	m.mu.Unlock()
	if !ok {
		return
	}

	uc.mu.Lock()
	conns := uc.conns
	uc.conns = nil
	uc.removed = true
	uc.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	m.log.Info().Str("user", user).Int("count", len(conns)).Msg("user disconnected")
}

// Reap closes connections idle for longer than the idle timeout, as well as
// superseded connections nobody pins anymore, and drops empty user entries.
// It returns the number of connections closed.
func (m *Manager) Reap() int {
	now := m.opts.Now()

	m.mu.Lock()
	entries := make(map[string]*userConns, len(m.users))
	for user, uc := range m.users {
		entries[user] = uc
	}
	m.mu.Unlock()

	closed := 0
	for user, uc := range entries {
		var victims []*Conn
		uc.mu.Lock()
		keep := uc.conns[:0]
		for _, c := range uc.conns {
			switch {
			case c.Closed():
			case now.Sub(c.LastUse()) > m.opts.IdleTimeout:
				victims = append(victims, c)
			case !c.Usable() && !c.Pinned():
				victims = append(victims, c)
			default:
				keep = append(keep, c)
			}
		}
		uc.conns = keep
		uc.mu.Unlock()

		for _, c := range victims {
			m.log.Info().
				Str("user", user).
				Uint64("conn", c.ID()).
				Dur("idle", now.Sub(c.LastUse())).
				Msg("closing idle connection")
			_ = c.Close()
			closed++
		}
	}

	m.mu.Lock()
	for user, uc := range m.users {
		uc.mu.Lock()
		if len(uc.conns) == 0 {
			uc.removed = true
			delete(m.users, user)
		}
		uc.mu.Unlock()
	}
	m.mu.Unlock()

	return closed
}

// Run reaps idle connections every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.log.Debug().Int("closed", n).Msg("connection reaper pass")
			}
		}
	}
}

// Stats returns connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Users: len(m.users)}
	for _, uc := range m.users {
		uc.mu.Lock()
		s.Connections += len(uc.conns)
		for _, c := range uc.conns {
			if c.Pinned() {
				s.Pinned++
			}
		}
		uc.mu.Unlock()
	}
	return s
}

// Close closes every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	users := make([]string, 0, len(m.users))
	for user := range m.users {
		users = append(users, user)
	}
	m.mu.Unlock()
	for _, user := range users {
		m.Disconnect(user)
	}
}
