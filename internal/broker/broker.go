package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leibniz-psychology/bawwab/internal/remote"
)

// ErrEmptyCommand is returned when a start request has no command.
var ErrEmptyCommand = errors.New("empty command")

// Starter runs a command on a user's connection. The connection stays in
// use until unpin is called.
type Starter interface {
	StartProcess(ctx context.Context, user string, o remote.AcquireOptions, argv []string) (remote.Process, func(), error)
}

// Transcript records every published event of a job.
type Transcript interface {
	Record(user, runID string, ev Event) error
}

// Options tune the broker. Zero values fall back to defaults.
type Options struct {
	ReapInterval time.Duration // finished job removal (default 10s)
	QueueSize    int           // live events buffered per subscriber (default 256)
}

// StartRequest describes a job to start.
type StartRequest struct {
	// User owns the job and receives its notifications.
	User string
	// RunAs is the user whose connection runs the command. Empty means User.
	RunAs string

	Token     string
	Command   []string
	ExtraData json.RawMessage
	Options   remote.AcquireOptions
}

// Stats are the broker's counters.
type Stats struct {
	Users                int `json:"users"`
	Sockets              int `json:"sockets"`
	Processes            int `json:"processes"`
	ReplayBufferMessages int `json:"replayBufferMessages"`
}

// Broker ties the job registry, the notification hub and the connection
// manager together.
type Broker struct {
	log        zerolog.Logger
	starter    Starter
	transcript Transcript
	opts       Options

	reg *Registry
	hub *Hub
	seq atomic.Uint64
}

// New creates a broker. transcript may be nil.
func New(log zerolog.Logger, starter Starter, transcript Transcript, opts Options) *Broker {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 10 * time.Second
	}
	log = log.With().Str("component", "broker").Logger()
	reg := NewRegistry(log)
	return &Broker{
		log:        log,
		starter:    starter,
		transcript: transcript,
		opts:       opts,
		reg:        reg,
		hub:        NewHub(log, reg, opts.QueueSize),
	}
}

// Start accepts a job and starts its process. When the connection cannot be
// acquired or the process cannot be spawned, the job is forgotten again and
// no event is emitted.
func (b *Broker) Start(ctx context.Context, req StartRequest) (*Job, error) {
	if req.Token == "" {
		return nil, ErrMissingToken
	}
	if len(req.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	runAs := req.RunAs
	if runAs == "" {
		runAs = req.User
	}

	j := &Job{
		seq:       b.seq.Add(1),
		token:     req.Token,
		user:      req.User,
		runID:     uuid.NewString(),
		command:   append([]string(nil), req.Command...),
		extraData: req.ExtraData,
		created:   time.Now(),
		publish:   b.publish,
		done:      make(chan struct{}),
	}
	j.log = b.log.With().
		Str("user", req.User).
		Str("token", req.Token).
		Strs("command", req.Command).
		Logger()

	if err := b.reg.Create(j); err != nil {
		return nil, err
	}

	proc, unpin, err := b.starter.StartProcess(ctx, runAs, req.Options, j.command)
	if err != nil {
		b.reg.Remove(j)
		j.log.Debug().Err(err).Str("run_as", runAs).Msg("job not started")
		return nil, err
	}
	j.run(proc, unpin)
	return j, nil
}

func (b *Broker) publish(j *Job, ev Event) {
	b.hub.Publish(j, ev)
	if b.transcript == nil {
		return
	}
	if err := b.transcript.Record(j.user, j.runID, ev); err != nil {
		j.log.Debug().Err(err).Msg("failed to record transcript")
	}
}

// Get returns a tracked job.
func (b *Broker) Get(user, token string) (*Job, error) {
	return b.reg.Get(user, token)
}

// Stop asks the job's process to terminate.
func (b *Broker) Stop(user, token string) error {
	j, err := b.reg.Get(user, token)
	if err != nil {
		return err
	}
	return j.Stop()
}

// Attach subscribes to the user's notifications.
func (b *Broker) Attach(user string) *Subscriber {
	return b.hub.Attach(user)
}

// Detach ends a subscription.
func (b *Broker) Detach(s *Subscriber) {
	b.hub.Detach(s)
}

// Reap removes finished jobs.
func (b *Broker) Reap() int {
	return b.reg.Reap()
}

// Run reaps finished jobs every ReapInterval until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Reap()
		}
	}
}

// Stats returns subscriber and job counters.
func (b *Broker) Stats() Stats {
	users, sockets := b.hub.Count()
	_, jobs, messages := b.reg.Count()
	return Stats{
		Users:                users,
		Sockets:              sockets,
		Processes:            jobs,
		ReplayBufferMessages: messages,
	}
}

// Close drops every subscriber. Running processes are left alone; they end
// with their connections.
func (b *Broker) Close() {
	b.hub.Close()
}
