// Package logstore keeps a transcript file per job.
package logstore

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leibniz-psychology/bawwab/internal/broker"
)

// LogStore handles file-based storage of job transcripts
type LogStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	files map[string]*os.File // runID -> file
}

// New creates a log store with the given base path
func New(basePath string) (*LogStore, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LogStore{
		basePath: basePath,
		now:      time.Now,
		files:    make(map[string]*os.File),
	}, nil
}

// Record appends one job event to the job's transcript. It implements
// broker.Transcript.
func (ls *LogStore) Record(user, runID string, ev broker.Event) error {
	switch ev.Notify {
	case broker.NotifyStarted:
		return ls.start(user, runID, ev)
	case broker.NotifyData:
		return ls.append(runID, ev)
	case broker.NotifyExited:
		return ls.complete(runID, ev)
	}
	return nil
}

func (ls *LogStore) start(user, runID string, ev broker.Event) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	userDir := ls.userDir(user)
	if err := os.MkdirAll(userDir, 0o750); err != nil {
		return fmt.Errorf("failed to create user log directory: %w", err)
	}

	started := ls.now()
	filename := fmt.Sprintf("%s-%s-%s.log", started.Format("2006-01-02T15-04-05"), safeName(ev.Token), runID)
	f, err := os.OpenFile(filepath.Join(userDir, filename), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	header := fmt.Sprintf("# Command: %s\n# User: %s\n# Token: %s\n# Started: %s\n\n",
		strings.Join(ev.Command, " "), user, ev.Token, started.Format(time.RFC3339))
	if _, err := f.WriteString(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write log header: %w", err)
	}
	ls.files[runID] = f
	return nil
}

func (ls *LogStore) append(runID string, ev broker.Event) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	f, ok := ls.files[runID]
	if !ok {
		return nil
	}

	timestamp := ls.now().Format("15:04:05")
	prefix := ""
	if ev.Kind == broker.StreamStderr {
		prefix = "[ERR] "
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(ev.Data, "\n") {
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s%s", timestamp, prefix, line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
	_, err := f.WriteString(b.String())
	return err
}

func (ls *LogStore) complete(runID string, ev broker.Event) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	f, ok := ls.files[runID]
	if !ok {
		return nil
	}

	footer := fmt.Sprintf("\n# Completed: %s\n", ls.now().Format(time.RFC3339))
	switch {
	case ev.Status != nil:
		footer += fmt.Sprintf("# Exit code: %d\n", *ev.Status)
	case ev.Signal != nil:
		footer += fmt.Sprintf("# Signal: %s\n", *ev.Signal)
	}
	if ev.Error != "" {
		footer += fmt.Sprintf("# Error: %s\n", ev.Error)
	}
	_, _ = f.WriteString(footer)

	delete(ls.files, runID)
	return f.Close()
}

// ListLogs returns the transcript file names of a user, oldest first
func (ls *LogStore) ListLogs(user string) ([]string, error) {
	entries, err := os.ReadDir(ls.userDir(user))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var logs []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			logs = append(logs, e.Name())
		}
	}
	sort.Strings(logs)
	return logs, nil
}

// Open returns the content of one of the user's transcripts.
func (ls *LogStore) Open(user, name string) ([]byte, error) {
	if name != filepath.Base(name) || filepath.Ext(name) != ".log" {
		return nil, os.ErrNotExist
	}
	return os.ReadFile(filepath.Join(ls.userDir(user), name))
}

// Active returns the number of transcripts still being written.
func (ls *LogStore) Active() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.files)
}

// Close closes all open log files
func (ls *LogStore) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, f := range ls.files {
		_ = f.Close()
	}
	ls.files = make(map[string]*os.File)
	return nil
}

// userDir returns the transcript directory of user. Distinct names always
// map to distinct directories.
func (ls *LogStore) userDir(user string) string {
	return filepath.Join(ls.basePath, base64.RawURLEncoding.EncodeToString([]byte(user)))
}

// safeName maps a client token onto a single readable path element. It is
// lossy; the run ID keeps file names unique.
func safeName(s string) string {
	const maxLen = 64
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
