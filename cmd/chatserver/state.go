package main

import (
	"context"
	"sync"
	"time"

	"github.com/duet/chat-app/internal/presence"
)

// connState is the per-connection state the handlers share: the feed
// teardown and the typing debouncer.
type connState struct {
	cancelFeed func()
	typing     *presence.Coordinator
}

// connRegistry tracks per-connection handler state. Every path that attaches
// a room to a connection (auth, code redemption on either side, reconnect
// acceptance) goes through bindRoom, so the typing coordinator always exists
// wherever a feed does.
type connRegistry struct {
	mu     sync.Mutex
	states map[string]*connState
	writer presence.TypingWriter
	idle   time.Duration
}

func newConnRegistry(w presence.TypingWriter, idle time.Duration) *connRegistry {
	return &connRegistry{
		states: make(map[string]*connState),
		writer: w,
		idle:   idle,
	}
}

// state returns the connection's state, creating it on first use. Callers
// must hold r.mu.
func (r *connRegistry) state(connID string) *connState {
	st, ok := r.states[connID]
	if !ok {
		st = &connState{}
		r.states[connID] = st
	}
	return st
}

// bindRoom installs a fresh typing coordinator for the room the connection
// just attached to.
func (r *connRegistry) bindRoom(connID, roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(connID).typing = presence.NewCoordinator(r.writer, roomID, userID, r.idle)
}

// setFeed installs the feed teardown for the connection, cancelling any
// previous feed.
func (r *connRegistry) setFeed(connID string, cancel func()) {
	r.mu.Lock()
	st := r.state(connID)
	prev := st.cancelFeed
	st.cancelFeed = cancel
	r.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// typing returns the connection's typing coordinator, or nil when no room is
// bound.
func (r *connRegistry) typing(connID string) *presence.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[connID]; ok {
		return st.typing
	}
	return nil
}

// clearRoom tears down the feed and typing coordinator after an unpair. The
// typing flag is flushed so it cannot linger in the store.
func (r *connRegistry) clearRoom(ctx context.Context, connID string) {
	r.mu.Lock()
	var cancel func()
	var typing *presence.Coordinator
	if st, ok := r.states[connID]; ok {
		cancel = st.cancelFeed
		typing = st.typing
		st.cancelFeed = nil
		st.typing = nil
	}
	r.mu.Unlock()

	if typing != nil {
		typing.Flush(ctx)
	}
	if cancel != nil {
		cancel()
	}
}

// drop removes and returns the connection's state on disconnect. Returns nil
// when the connection never bound anything.
func (r *connRegistry) drop(connID string) *connState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[connID]
	delete(r.states, connID)
	return st
}
