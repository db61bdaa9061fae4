package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/leibniz-psychology/bawwab/internal/remote"
)

// State is the lifecycle position of a job.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// errWatcherPanic marks a completion watcher that died unexpectedly.
var errWatcherPanic = errors.New("completion watcher panicked")

// readSize is the maximum chunk read from an output stream at once.
const readSize = 10 * 1024

// Job is one remote command owned by one user.
type Job struct {
	seq       uint64
	token     string
	user      string
	runID     string
	command   []string
	extraData json.RawMessage
	created   time.Time
	log       zerolog.Logger

	// publish delivers an event to the user's subscribers and records it.
	publish func(*Job, Event)

	mu         sync.Mutex
	state      State
	proc       remote.Process
	messages   [][]byte
	closing    bool
	terminated bool
	stopQueued bool
	err        error

	done chan struct{}
}

// Token returns the client-supplied identifier.
func (j *Job) Token() string { return j.token }

// User returns the owning user.
func (j *Job) User() string { return j.user }

// RunID is unique across all jobs ever started.
func (j *Job) RunID() string { return j.runID }

// Command returns the argument vector.
func (j *Job) Command() []string { return append([]string(nil), j.command...) }

// ExtraData returns the client metadata echoed in the started event.
func (j *Job) ExtraData() json.RawMessage { return j.extraData }

// Created returns when the job was accepted.
func (j *Job) Created() time.Time { return j.created }

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed once the completion watcher has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Err returns the failure the completion watcher ran into, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Closing reports whether the process is gone. Closing jobs are not replayed
// to new subscribers.
func (j *Job) Closing() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closing
}

// Messages returns the number of buffered events.
func (j *Job) Messages() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.messages)
}

// replay returns a copy of the buffered, encoded events.
func (j *Job) replay() [][]byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([][]byte(nil), j.messages...)
}

// record appends an encoded event to the replay buffer.
func (j *Job) record(raw []byte) {
	j.mu.Lock()
	j.messages = append(j.messages, raw)
	j.mu.Unlock()
}

// Stop asks the remote process to terminate and returns immediately. The
// job leaves the registry once its exit has been observed. A stop arriving
// while the process is still being started is delivered once it runs; a job
// whose process is already gone is left alone.
func (j *Job) Stop() error {
	j.mu.Lock()
	proc := j.proc
	if proc == nil {
		j.stopQueued = true
		j.mu.Unlock()
		j.log.Debug().Msg("stop queued until process starts")
		return nil
	}
	gone := j.closing || j.terminated
	j.mu.Unlock()
	if gone {
		return nil
	}

	j.log.Debug().Msg("terminating process")
	if err := proc.Signal("TERM"); err != nil {
		if j.Closing() {
			return nil
		}
		return fmt.Errorf("terminate %s: %w: %w", j.token, remote.ErrTransport, err)
	}
	return nil
}

func (j *Job) emit(ev Event) {
	ev.Token = j.token
	j.publish(j, ev)
}

// run attaches the started process and spawns the drain and watcher
// routines. unpin releases the connection once all output has been read.
func (j *Job) run(proc remote.Process, unpin func()) {
	j.mu.Lock()
	j.proc = proc
	j.state = StateRunning
	stop := j.stopQueued
	j.mu.Unlock()

	j.emit(Event{Notify: NotifyStarted, Command: j.command, ExtraData: j.extraData})
	j.log.Debug().Msg("process started")

	var drains sync.WaitGroup
	drains.Add(2)
	go j.drain(StreamStdout, proc.Stdout(), &drains)
	go j.drain(StreamStderr, proc.Stderr(), &drains)
	go j.watch(proc, unpin, &drains)

	if stop {
		j.log.Debug().Msg("terminating process")
		if err := proc.Signal("TERM"); err != nil {
			j.log.Debug().Err(err).Msg("queued stop not delivered")
		}
	}
}

// drain forwards one output stream until end of stream. Multi-byte
// characters split across reads are carried over to the next chunk.
func (j *Job) drain(kind string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, readSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := runeBoundary(chunk)
			if cut > 0 {
				j.emit(Event{Notify: NotifyData, Kind: kind, Data: string(chunk[:cut])})
			}
			carry = append([]byte(nil), chunk[cut:]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				j.log.Debug().Err(err).Str("stream", kind).Msg("output stream ended")
			}
			break
		}
	}
	if len(carry) > 0 {
		j.emit(Event{Notify: NotifyData, Kind: kind, Data: strings.ToValidUTF8(string(carry), "�")})
	}
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside a multi-byte character.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// watch waits for the process and its output, then emits the single
// terminal event. A panic is logged and still ends the job.
func (j *Job) watch(proc remote.Process, unpin func(), drains *sync.WaitGroup) {
	defer close(j.done)
	defer unpin()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", errWatcherPanic, r)
			j.log.Error().Err(err).Msg("completion watcher failed")
			j.terminate(StateCrashed, Event{Notify: NotifyExited, Error: "crashed"}, err)
		}
		j.mu.Lock()
		j.closing = true
		j.mu.Unlock()
		_ = proc.Close()
	}()

	status, err := proc.Wait()
	drains.Wait()

	if err != nil {
		j.log.Warn().Err(err).Msg("process lost")
		j.terminate(StateCrashed, Event{Notify: NotifyExited, Error: "crashed"}, err)
		return
	}
	ev := Event{Notify: NotifyExited, Status: status.Code, Signal: status.Signal}
	j.log.Debug().
		Interface("status", status.Code).
		Interface("signal", status.Signal).
		Msg("process exited")
	j.terminate(StateExited, ev, nil)
}

// terminate emits the terminal event unless one was already emitted.
func (j *Job) terminate(state State, ev Event, err error) {
	j.mu.Lock()
	if j.terminated {
		j.mu.Unlock()
		return
	}
	j.terminated = true
	j.state = state
	j.err = err
	j.mu.Unlock()

	j.emit(ev)
}
