package broker

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscriber is one outbound notification stream of a user. The hub closes
// C when the subscriber is detached or could not keep up; the client is
// expected to reconnect and replay.
type Subscriber struct {
	id   string
	user string
	send chan []byte

	closeOnce sync.Once
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// User returns the owning user.
func (s *Subscriber) User() string { return s.user }

// C yields encoded events, replayed history first.
func (s *Subscriber) C() <-chan []byte { return s.send }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// userHub is the subscriber set of one user. Its lock also orders event
// recording against replay.
type userHub struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	removed bool
}

// Hub fans job events out to the subscribers of their owner.
type Hub struct {
	log   zerolog.Logger
	reg   *Registry
	queue int

	mu    sync.Mutex
	users map[string]*userHub
}

// NewHub creates a hub replaying the jobs tracked by reg. queue is the
// per-subscriber buffer for live events.
func NewHub(log zerolog.Logger, reg *Registry, queue int) *Hub {
	if queue <= 0 {
		queue = 256
	}
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		reg:   reg,
		queue: queue,
		users: make(map[string]*userHub),
	}
}

// enter returns the user's locked entry, creating it if needed.
func (h *Hub) enter(user string) *userHub {
	for {
		h.mu.Lock()
		u, ok := h.users[user]
		if !ok {
			u = &userHub{subs: make(map[*Subscriber]struct{})}
			h.users[user] = u
		}
		h.mu.Unlock()

		u.mu.Lock()
		if !u.removed {
			return u
		}
		u.mu.Unlock()
	}
}

// leave unlocks the entry and drops it if nobody is subscribed.
func (h *Hub) leave(user string, u *userHub) {
	empty := len(u.subs) == 0
	if empty {
		u.removed = true
	}
	u.mu.Unlock()

	if empty {
		h.mu.Lock()
		if h.users[user] == u {
			delete(h.users, user)
		}
		h.mu.Unlock()
	}
}

// Publish appends ev to the job's replay buffer and sends it to every
// current subscriber of the job's owner. A subscriber whose queue is full is
// dropped; the publisher never blocks or fails because of one.
func (h *Hub) Publish(j *Job, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("token", j.token).Msg("failed to encode event")
		return
	}

	u := h.enter(j.user)
	defer h.leave(j.user, u)

	j.record(raw)
	for s := range u.subs {
		select {
		case s.send <- raw:
		default:
			delete(u.subs, s)
			s.close()
			h.log.Debug().Str("user", j.user).Str("subscriber", s.id).Msg("subscriber too slow, dropped")
		}
	}
}

// Attach registers a new subscriber for user. The buffered events of every
// job not yet closing are queued first, in job creation order, so the
// subscriber continues live without a gap or duplicate.
func (h *Hub) Attach(user string) *Subscriber {
	u := h.enter(user)
	defer h.leave(user, u)

	var history [][]byte
	for _, j := range h.reg.Jobs(user) {
		if j.Closing() {
			continue
		}
		history = append(history, j.replay()...)
	}

	s := &Subscriber{
		id:   uuid.NewString(),
		user: user,
		send: make(chan []byte, len(history)+h.queue),
	}
	for _, raw := range history {
		s.send <- raw
	}
	u.subs[s] = struct{}{}

	h.log.Debug().
		Str("user", user).
		Str("subscriber", s.id).
		Int("replayed", len(history)).
		Msg("subscriber attached")
	return s
}

// Detach removes s and closes its queue. Detaching twice is harmless.
func (h *Hub) Detach(s *Subscriber) {
	u := h.enter(s.user)
	defer h.leave(s.user, u)

	if _, ok := u.subs[s]; ok {
		delete(u.subs, s)
		h.log.Debug().Str("user", s.user).Str("subscriber", s.id).Msg("subscriber detached")
	}
	s.close()
}

// Count returns the number of users with subscribers and the number of
// subscribers.
func (h *Hub) Count() (users, subscribers int) {
	h.mu.Lock()
	entries := make([]*userHub, 0, len(h.users))
	for _, u := range h.users {
		entries = append(entries, u)
	}
	h.mu.Unlock()

	for _, u := range entries {
		u.mu.Lock()
		if n := len(u.subs); n > 0 {
			users++
			subscribers += n
		}
		u.mu.Unlock()
	}
	return users, subscribers
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.users
	h.users = make(map[string]*userHub)
	h.mu.Unlock()

	for _, u := range entries {
		u.mu.Lock()
		for s := range u.subs {
			s.close()
		}
		u.subs = make(map[*Subscriber]struct{})
		u.removed = true
		u.mu.Unlock()
	}
}
