package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type typingWrite struct {
	roomID string
	userID string
	typing bool
}

type recordingTypingWriter struct {
	mu     sync.Mutex
	writes []typingWrite
}

func (w *recordingTypingWriter) SetTyping(ctx context.Context, roomID, userID string, typing bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, typingWrite{roomID, userID, typing})
	return nil
}

func (w *recordingTypingWriter) snapshot() []typingWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]typingWrite, len(w.writes))
	copy(out, w.writes)
	return out
}

func TestBindRoom_InstallsTypingCoordinator(t *testing.T) {
	w := &recordingTypingWriter{}
	r := newConnRegistry(w, time.Hour)

	r.bindRoom("conn1", "room1", "alice")

	typing := r.typing("conn1")
	if typing == nil {
		t.Fatal("bindRoom should install a typing coordinator")
	}
	typing.UpdateTyping(context.Background(), true)

	got := w.snapshot()
	if len(got) != 1 || got[0] != (typingWrite{"room1", "alice", true}) {
		t.Fatalf("typing write = %v, want one true write for room1/alice", got)
	}
}

func TestBindRoom_AfterReconnectAccept(t *testing.T) {
	w := &recordingTypingWriter{}
	r := newConnRegistry(w, time.Hour)
	ctx := context.Background()

	// Pair, unpair, then re-pair through a reconnect acceptance on the same
	// connection. Typing must work again without a fresh auth.
	r.bindRoom("conn1", "room1", "alice")
	r.typing("conn1").UpdateTyping(ctx, true)
	r.clearRoom(ctx, "conn1")

	if r.typing("conn1") != nil {
		t.Fatal("clearRoom should drop the typing coordinator")
	}

	r.bindRoom("conn1", "room1", "alice")
	typing := r.typing("conn1")
	if typing == nil {
		t.Fatal("re-binding the room should install a new typing coordinator")
	}
	typing.UpdateTyping(ctx, true)

	got := w.snapshot()
	// First burst: true, flushed false by clearRoom. Second burst: true.
	want := []typingWrite{
		{"room1", "alice", true},
		{"room1", "alice", false},
		{"room1", "alice", true},
	}
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSetFeed_CancelsPrevious(t *testing.T) {
	r := newConnRegistry(&recordingTypingWriter{}, time.Hour)

	first := 0
	r.setFeed("conn1", func() { first++ })
	r.setFeed("conn1", func() {})

	if first != 1 {
		t.Fatalf("replacing a feed should cancel the previous one, cancels=%d", first)
	}
}

func TestClearRoom_CancelsFeed(t *testing.T) {
	r := newConnRegistry(&recordingTypingWriter{}, time.Hour)

	cancelled := 0
	r.setFeed("conn1", func() { cancelled++ })
	r.clearRoom(context.Background(), "conn1")

	if cancelled != 1 {
		t.Fatalf("clearRoom should cancel the feed once, cancels=%d", cancelled)
	}
	// Idempotent.
	r.clearRoom(context.Background(), "conn1")
	if cancelled != 1 {
		t.Fatalf("repeated clearRoom cancelled again, cancels=%d", cancelled)
	}
}

func TestDrop_RemovesState(t *testing.T) {
	w := &recordingTypingWriter{}
	r := newConnRegistry(w, time.Hour)

	r.bindRoom("conn1", "room1", "alice")
	st := r.drop("conn1")
	if st == nil || st.typing == nil {
		t.Fatal("drop should return the bound state for teardown")
	}
	if r.typing("conn1") != nil {
		t.Fatal("dropped connection should have no registered state")
	}
	if r.drop("conn1") != nil {
		t.Fatal("second drop should return nil")
	}
}
