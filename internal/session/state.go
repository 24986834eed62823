// Package session implements the chat session state machine observed by
// clients: a closed union of Initial/Loading/Loaded/Sending/Error states,
// optimistic sends reconciled against live snapshots, and bounded retries
// for room resolution.
package session

import (
	"strings"

	"github.com/duet/chat-app/internal/message"
)

// Kind enumerates the session states. State carries the payload for the
// current kind; consumers switch on Kind and must handle every case.
type Kind int

const (
	StateInitial Kind = iota
	StateLoading
	StateLoaded
	StateSending
	StateError
)

// String returns the state name for logs.
func (k Kind) String() string {
	switch k {
	case StateInitial:
		return "initial"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateSending:
		return "sending"
	case StateError:
		return "error"
	}
	return "unknown"
}

// State is one observed value of the session machine.
//
//	Loaded:  Messages, RoomID, Connected
//	Sending: Messages, RoomID, PendingText
//	Error:   Err, Messages (cached)
type State struct {
	Kind        Kind
	Messages    []message.Message
	RoomID      string
	Connected   bool
	PendingText string
	Err         string
}

// normalizeText folds case and collapses whitespace for the optimistic-send
// reconciliation match.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// snapshotContains reports whether any message in msgs matches the pending
// text under the case/whitespace-insensitive comparison.
func snapshotContains(msgs []message.Message, pendingText string) bool {
	want := normalizeText(pendingText)
	if want == "" {
		return false
	}
	for _, m := range msgs {
		if m.Kind == message.KindText && normalizeText(m.Text) == want {
			return true
		}
	}
	return false
}
