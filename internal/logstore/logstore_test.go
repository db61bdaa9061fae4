package logstore

import (
	"strings"
	"testing"
	"time"

	"github.com/leibniz-psychology/bawwab/internal/broker"
)

func fixedNow() time.Time {
	return time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
}

func TestLogStore_Transcript(t *testing.T) {
	ls, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ls.now = fixedNow
	defer ls.Close()

	code := 3
	events := []broker.Event{
		{Notify: broker.NotifyStarted, Token: "abc", Command: []string{"make", "all"}},
		{Notify: broker.NotifyData, Token: "abc", Kind: broker.StreamStdout, Data: "building\ndone"},
		{Notify: broker.NotifyData, Token: "abc", Kind: broker.StreamStderr, Data: "warning\n"},
		{Notify: broker.NotifyExited, Token: "abc", Status: &code},
	}
	for _, ev := range events {
		if err := ls.Record("alice", "run-1", ev); err != nil {
			t.Fatalf("record %s: %v", ev.Notify, err)
		}
	}

	logs, err := ls.ListLogs("alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0] != "2024-05-17T09-30-00-abc-run-1.log" {
		t.Fatalf("unexpected logs %v", logs)
	}

	data, err := ls.Open("alice", logs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"# Command: make all\n",
		"# User: alice\n",
		"[09:30:00] building\n",
		"[09:30:00] done\n",
		"[09:30:00] [ERR] warning\n",
		"# Exit code: 3\n",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("transcript missing %q:\n%s", want, content)
		}
	}
	if ls.Active() != 0 {
		t.Errorf("expected transcript closed, %d active", ls.Active())
	}
}

func TestLogStore_SignalAndCrashFooter(t *testing.T) {
	tests := []struct {
		name string
		ev   broker.Event
		want string
	}{
		{
			name: "signal",
			ev:   broker.Event{Notify: broker.NotifyExited, Token: "t", Signal: func() *string { s := "TERM"; return &s }()},
			want: "# Signal: TERM\n",
		},
		{
			name: "crashed",
			ev:   broker.Event{Notify: broker.NotifyExited, Token: "t", Error: "crashed"},
			want: "# Error: crashed\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ls, _ := New(t.TempDir())
			_ = ls.Record("bob", "r", broker.Event{Notify: broker.NotifyStarted, Token: "t", Command: []string{"sleep"}})
			_ = ls.Record("bob", "r", tt.ev)

			logs, _ := ls.ListLogs("bob")
			if len(logs) != 1 {
				t.Fatalf("expected 1 log, got %v", logs)
			}
			data, _ := ls.Open("bob", logs[0])
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("missing %q in:\n%s", tt.want, data)
			}
		})
	}
}

func TestLogStore_UnknownRunIgnored(t *testing.T) {
	ls, _ := New(t.TempDir())
	if err := ls.Record("alice", "nope", broker.Event{Notify: broker.NotifyData, Data: "x"}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if logs, _ := ls.ListLogs("alice"); len(logs) != 0 {
		t.Errorf("unexpected logs %v", logs)
	}
}

func TestLogStore_OpenRejectsTraversal(t *testing.T) {
	ls, _ := New(t.TempDir())
	for _, name := range []string{"../secret.log", "/etc/passwd", "x.txt"} {
		if _, err := ls.Open("alice", name); err == nil {
			t.Errorf("Open(%q) succeeded", name)
		}
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"../../etc", ".._.._etc"},
		{"a b/c", "a_b_c"},
		{"", "_"},
		{"..", "_"},
		{strings.Repeat("x", 100), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogStore_UsersIsolated(t *testing.T) {
	ls, _ := New(t.TempDir())
	defer ls.Close()

	_ = ls.Record("alice@lab", "run-1", broker.Event{Notify: broker.NotifyStarted, Token: "t", Command: []string{"cat", "notes"}})
	_ = ls.Record("alice@lab", "run-1", broker.Event{Notify: broker.NotifyExited, Token: "t"})

	for _, other := range []string{"alice_lab", "alice", ".", ".."} {
		logs, err := ls.ListLogs(other)
		if err != nil {
			t.Fatalf("list %q: %v", other, err)
		}
		if len(logs) != 0 {
			t.Errorf("%q sees transcripts of alice@lab: %v", other, logs)
		}
	}

	logs, _ := ls.ListLogs("alice@lab")
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %v", logs)
	}
	if _, err := ls.Open("alice_lab", logs[0]); err == nil {
		t.Error("alice_lab opened a transcript of alice@lab")
	}
	data, err := ls.Open("alice@lab", logs[0])
	if err != nil || !strings.Contains(string(data), "# User: alice@lab\n") {
		t.Errorf("owner cannot read transcript: %v", err)
	}
}
