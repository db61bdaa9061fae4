// Package remotetest provides in-memory fakes of the remote transport for
// tests of the connection manager and everything built on top of it.
package remotetest

import (
	"io"
	"strings"
	"sync"

	"github.com/leibniz-psychology/bawwab/internal/remote"
)

type exitResult struct {
	status remote.ExitStatus
	err    error
}

// Process is a scripted remote process. Output is written with
// WriteStdout/WriteStderr and the process ends with Exit, Kill or Fail.
type Process struct {
	Argv []string

	// ExitOnSignal makes Signal end the process as if killed.
	ExitOnSignal bool
	// SignalErr is returned by Signal on a process that was not closed.
	SignalErr error

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	exit chan exitResult
	once sync.Once

	mu      sync.Mutex
	signals []string
	closed  bool
}

// NewProcess creates a running process.
func NewProcess(argv []string) *Process {
	p := &Process{Argv: argv, exit: make(chan exitResult, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// WriteStdout blocks until the chunk is consumed.
func (p *Process) WriteStdout(s string) { _, _ = p.stdoutW.Write([]byte(s)) }

// WriteStderr blocks until the chunk is consumed.
func (p *Process) WriteStderr(s string) { _, _ = p.stderrW.Write([]byte(s)) }

func (p *Process) finish(res exitResult) {
	p.once.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exit <- res
	})
}

// Exit ends the process with an exit code.
func (p *Process) Exit(code int) {
	p.finish(exitResult{status: remote.ExitStatus{Code: &code}})
}

// Kill ends the process as if terminated by signal sig.
func (p *Process) Kill(sig string) {
	p.finish(exitResult{status: remote.ExitStatus{Signal: &sig}})
}

// Fail ends the process without an observable exit status.
func (p *Process) Fail(err error) {
	p.finish(exitResult{err: err})
}

// Signals returns the signals delivered so far.
func (p *Process) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

// Closed reports whether Close was called.
func (p *Process) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }

func (p *Process) Wait() (remote.ExitStatus, error) {
	res := <-p.exit
	// Later callers observe the same result.
	p.exit <- res
	return res.status, res.err
}

// Signal fails with io.EOF once the channel is closed, like an SSH session.
func (p *Process) Signal(name string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.EOF
	}
	if p.SignalErr != nil {
		p.mu.Unlock()
		return p.SignalErr
	}
	p.signals = append(p.signals, name)
	p.mu.Unlock()
	if p.ExitOnSignal {
		go p.Kill(name)
	}
	return nil
}

func (p *Process) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Echo runs "echo" the way a shell would and leaves every other command
// running until signalled.
func Echo(argv []string) (*Process, error) {
	p := NewProcess(argv)
	if len(argv) > 0 && argv[0] == "echo" {
		go func() {
			p.WriteStdout(strings.Join(argv[1:], " ") + "\n")
			p.Exit(0)
		}()
		return p, nil
	}
	p.ExitOnSignal = true
	return p, nil
}
