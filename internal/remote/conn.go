package remote

import (
	"context"
	"sync"
	"time"
)

// Conn wraps one Transport for one user. Every operation going through it
// refreshes the last-use time; long-running consumers Pin it instead.
type Conn struct {
	id      uint64
	user    string
	t       Transport
	now     func() time.Time
	created time.Time

	mu      sync.Mutex
	lastUse time.Time
	usable  bool
	pins    int
	closed  bool
	banner  string

	// filesMu guards the cached file-transfer channel independently of the
	// command path.
	filesMu sync.Mutex
	files   FileClient
}

func newConn(id uint64, user string, t Transport, now func() time.Time) *Conn {
	ts := now()
	return &Conn{
		id:      id,
		user:    user,
		t:       t,
		now:     now,
		created: ts,
		lastUse: ts,
		usable:  true,
	}
}

// ID is unique among the connections of one Manager.
func (c *Conn) ID() uint64 { return c.id }

// User returns the user key owning this connection.
func (c *Conn) User() string { return c.user }

// Created returns the establishment time.
func (c *Conn) Created() time.Time { return c.created }

// Banner returns the welcome message read during establishment.
func (c *Conn) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

func (c *Conn) setBanner(b string) {
	c.mu.Lock()
	c.banner = b
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUse = c.now()
	c.mu.Unlock()
}

// LastUse returns the time of the last operation. A pinned connection is
// in use right now.
func (c *Conn) LastUse() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins > 0 {
		return c.now()
	}
	return c.lastUse
}

// Usable reports whether callers may still be handed this connection.
func (c *Conn) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable && !c.closed
}

func (c *Conn) markUnusable() {
	c.mu.Lock()
	c.usable = false
	c.mu.Unlock()
}

// Pin marks the connection busy until the returned func is called. Job
// drain routines hold a pin for as long as they read output.
func (c *Conn) Pin() (unpin func()) {
	c.mu.Lock()
	c.pins++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.pins--
			c.lastUse = c.now()
			c.mu.Unlock()
		})
	}
}

// Pinned reports whether any consumer holds a pin.
func (c *Conn) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins > 0
}

// Start runs argv on a new command channel.
func (c *Conn) Start(ctx context.Context, argv []string) (Process, error) {
	c.touch()
	p, err := c.t.StartProcess(ctx, argv)
	if err != nil {
		return nil, transportError("start process", err)
	}
	c.touch()
	return p, nil
}

// Ping probes the underlying transport.
func (c *Conn) Ping() error {
	if err := c.t.Ping(); err != nil {
		return transportError("ping", err)
	}
	return nil
}

// fileClient returns the cached file-transfer channel, opening it on first
// use and reopening it when the liveness probe fails.
func (c *Conn) fileClient() (FileClient, error) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()

	c.touch()
	if c.files != nil {
		if _, err := c.files.Getwd(); err == nil {
			return c.files, nil
		}
		_ = c.files.Close()
		c.files = nil
	}

	fc, err := c.t.OpenFiles()
	if err != nil {
		return nil, transportError("open file channel", err)
	}
	c.files = fc
	return fc, nil
}

// dropFiles discards the cached file-transfer channel.
func (c *Conn) dropFiles() {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	if c.files != nil {
		_ = c.files.Close()
		c.files = nil
	}
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the file channel and the transport. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.usable = false
	c.mu.Unlock()

	c.dropFiles()
	return c.t.Close()
}
