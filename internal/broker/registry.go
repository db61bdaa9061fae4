package broker

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrTokenCollision is returned when the token already names a tracked job
	// of the same user.
	ErrTokenCollision = errors.New("token already in use")

	// ErrMissingToken is returned for an empty token.
	ErrMissingToken = errors.New("missing token")

	// ErrJobNotFound is returned when no tracked job has the token.
	ErrJobNotFound = errors.New("job not found")
)

// Registry tracks the jobs of every user by token.
type Registry struct {
	log zerolog.Logger

	mu    sync.Mutex
	users map[string]map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:   log.With().Str("component", "registry").Logger(),
		users: make(map[string]map[string]*Job),
	}
}

// Create tracks j under its user and token.
func (r *Registry) Create(j *Job) error {
	if j.token == "" {
		return ErrMissingToken
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs, ok := r.users[j.user]
	if !ok {
		jobs = make(map[string]*Job)
		r.users[j.user] = jobs
	}
	if _, exists := jobs[j.token]; exists {
		return ErrTokenCollision
	}
	jobs[j.token] = j
	return nil
}

// Get returns the user's job with the given token.
func (r *Registry) Get(user, token string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.users[user][token]; ok {
		return j, nil
	}
	return nil, ErrJobNotFound
}

// Remove forgets j. It reports false if j was not tracked (anymore).
func (r *Registry) Remove(j *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(j)
}

func (r *Registry) removeLocked(j *Job) bool {
	jobs := r.users[j.user]
	if jobs[j.token] != j {
		return false
	}
	delete(jobs, j.token)
	if len(jobs) == 0 {
		delete(r.users, j.user)
	}
	return true
}

// Jobs returns the user's jobs in creation order.
func (r *Registry) Jobs(user string) []*Job {
	r.mu.Lock()
	out := make([]*Job, 0, len(r.users[user]))
	for _, j := range r.users[user] {
		out = append(out, j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].seq < out[b].seq })
	return out
}

// Count returns the number of users with jobs and the number of jobs, plus
// the total size of all replay buffers.
func (r *Registry) Count() (users, jobs, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users = len(r.users)
	for _, m := range r.users {
		jobs += len(m)
		for _, j := range m {
			messages += j.Messages()
		}
	}
	return users, jobs, messages
}

// Reap removes every job whose completion watcher has finished and drops
// users left without jobs. It returns the number of jobs removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	var dead []*Job
	for _, jobs := range r.users {
		for _, j := range jobs {
			if j.finished() {
				dead = append(dead, j)
			}
		}
	}
	for _, j := range dead {
		r.removeLocked(j)
	}
	r.mu.Unlock()

	for _, j := range dead {
		err := j.Err()
		switch {
		case errors.Is(err, errWatcherPanic):
			r.log.Error().Err(err).Str("user", j.user).Str("token", j.token).Msg("job failed")
		case err != nil:
			r.log.Debug().Err(err).Str("user", j.user).Str("token", j.token).Msg("job crashed")
		default:
			r.log.Debug().Str("user", j.user).Str("token", j.token).Msg("job reaped")
		}
	}
	return len(dead)
}
