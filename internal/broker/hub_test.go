package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHub_SlowSubscriberDropped(t *testing.T) {
	st := &scriptStarter{}
	b := New(zerolog.Nop(), st, nil, Options{QueueSize: 1})
	slow := b.Attach("alice")

	j, _ := b.Start(context.Background(), StartRequest{User: "alice", Token: "t", Command: []string{"cat"}})
	st.last().WriteStdout("one")
	st.last().WriteStdout("two")
	waitMessages(j, 3)

	if ev := next(t, slow); ev.Notify != NotifyStarted {
		t.Fatalf("expected buffered started event, got %+v", ev)
	}
	select {
	case raw, ok := <-slow.C():
		if ok {
			t.Fatalf("expected closed subscriber, got %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not closed")
	}

	// A fresh subscriber replays everything.
	fresh := b.Attach("alice")
	for _, want := range []string{"", "one", "two"} {
		if ev := next(t, fresh); ev.Data != want {
			t.Errorf("replayed %+v, want data %q", ev, want)
		}
	}
}

func TestHub_DetachDropsEmptyUser(t *testing.T) {
	h := NewHub(zerolog.Nop(), NewRegistry(zerolog.Nop()), 0)

	a := h.Attach("alice")
	b := h.Attach("alice")
	if users, subs := h.Count(); users != 1 || subs != 2 {
		t.Fatalf("count = %d/%d, want 1/2", users, subs)
	}

	h.Detach(a)
	h.Detach(a)
	if _, ok := <-a.C(); ok {
		t.Error("detached subscriber should be closed")
	}
	h.Detach(b)

	h.mu.Lock()
	entries := len(h.users)
	h.mu.Unlock()
	if entries != 0 {
		t.Errorf("expected empty user entry dropped, %d left", entries)
	}
}

func TestHub_IsolatesUsers(t *testing.T) {
	st := &scriptStarter{}
	b := New(zerolog.Nop(), st, nil, Options{})
	alice := b.Attach("alice")
	bob := b.Attach("bob")

	if _, err := b.Start(context.Background(), StartRequest{User: "bob", Token: "t", Command: []string{"cat"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev := next(t, bob); ev.Token != "t" {
		t.Errorf("unexpected event %+v", ev)
	}
	expectNone(t, alice)
}

func TestHub_Close(t *testing.T) {
	b := New(zerolog.Nop(), &scriptStarter{}, nil, Options{})
	s := b.Attach("alice")
	b.Close()
	if _, ok := <-s.C(); ok {
		t.Error("expected subscriber closed")
	}
	if users, _ := b.hub.Count(); users != 0 {
		t.Errorf("expected no users, got %d", users)
	}
}
