package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duet/chat-app/internal/account"
	"github.com/duet/chat-app/internal/channel"
	"github.com/duet/chat-app/internal/message"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*account.Account
	err      error
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts[id], nil
}

type fakeRooms struct {
	mu       sync.Mutex
	roomID   string
	failures int // number of leading calls that fail
	calls    int
}

func (f *fakeRooms) GetOrCreate(ctx context.Context, a, b string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("backend unavailable")
	}
	return f.roomID, nil
}

type fakeFeed struct {
	mu       sync.Mutex
	updates  chan channel.Update
	unsubbed int
	awaitErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{updates: make(chan channel.Update, 4)}
}

// Subscribe hands out a fresh channel each time so a superseded consume
// loop cannot steal updates meant for the current one.
func (f *fakeFeed) Subscribe(roomID string) (<-chan channel.Update, func(), error) {
	f.mu.Lock()
	ch := make(chan channel.Update, 4)
	f.updates = ch
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		f.unsubbed++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) push(u channel.Update) {
	f.mu.Lock()
	ch := f.updates
	f.mu.Unlock()
	ch <- u
}

func (f *fakeFeed) AwaitDelivery(ctx context.Context, roomID, msgID string, timeout time.Duration) error {
	return f.awaitErr
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []*message.Message
	deleted []string
	sendErr error
}

func (f *fakeSender) Send(ctx context.Context, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) SoftDelete(ctx context.Context, id, senderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func testSessionConfig() Config {
	return Config{
		RoomRetries:    3,
		RetryDelay:     5 * time.Millisecond,
		ConfirmTimeout: 50 * time.Millisecond,
	}
}

func pairedAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: map[string]*account.Account{
		"alice": {ID: "alice", DisplayName: "Alice", PartnerID: "bob", Connected: true},
	}}
}

func waitForKind(t *testing.T, watch <-chan State, kind Kind) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-watch:
			if s.Kind == kind {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", kind)
		}
	}
}

func TestInit_NoAccountIsFatal(t *testing.T) {
	ctrl := NewController(testSessionConfig(), &fakeAccounts{accounts: map[string]*account.Account{}},
		&fakeRooms{roomID: "r"}, newFakeFeed(), &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()

	ctrl.Init(context.Background())

	s := waitForKind(t, watch, StateError)
	if s.Err != "please sign in" {
		t.Errorf("Err = %q, want please sign in", s.Err)
	}
}

func TestInit_NoPartnerDegradesToEmptyLoaded(t *testing.T) {
	accounts := &fakeAccounts{accounts: map[string]*account.Account{
		"alice": {ID: "alice", DisplayName: "Alice"},
	}}
	ctrl := NewController(testSessionConfig(), accounts, &fakeRooms{roomID: "r"},
		newFakeFeed(), &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()

	ctrl.Init(context.Background())

	s := waitForKind(t, watch, StateLoaded)
	if s.Connected {
		t.Error("degraded state should not be connected")
	}
	if len(s.Messages) != 0 || s.RoomID != "" {
		t.Errorf("degraded state should be empty, got %+v", s)
	}
}

func TestInit_SnapshotMovesToLoaded(t *testing.T) {
	feed := newFakeFeed()
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()

	ctrl.Init(context.Background())
	feed.push(channel.Update{Messages: []message.Message{{ID: "m1", Text: "hi"}}, Connected: true})

	s := waitForKind(t, watch, StateLoaded)
	if s.RoomID != "alice_bob" || !s.Connected || len(s.Messages) != 1 {
		t.Errorf("unexpected loaded state: %+v", s)
	}
}

func TestInit_RoomResolutionRetriesThenSucceeds(t *testing.T) {
	rooms := &fakeRooms{roomID: "alice_bob", failures: 2}
	feed := newFakeFeed()
	ctrl := NewController(testSessionConfig(), pairedAccounts(), rooms, feed, &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()

	ctrl.Init(context.Background())
	feed.push(channel.Update{Connected: true})

	waitForKind(t, watch, StateLoaded)
	rooms.mu.Lock()
	calls := rooms.calls
	rooms.mu.Unlock()
	if calls != 3 {
		t.Errorf("room resolution calls = %d, want 3 (2 failures + success)", calls)
	}
}

func TestInit_RoomResolutionExhaustionDegrades(t *testing.T) {
	rooms := &fakeRooms{roomID: "alice_bob", failures: 99}
	ctrl := NewController(testSessionConfig(), pairedAccounts(), rooms, newFakeFeed(), &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()

	ctrl.Init(context.Background())

	s := waitForKind(t, watch, StateLoaded)
	if s.Connected || s.RoomID != "" {
		t.Errorf("exhaustion should degrade, not error: %+v", s)
	}
}

func initLoaded(t *testing.T, ctrl *Controller, feed *fakeFeed, watch <-chan State) {
	t.Helper()
	ctrl.Init(context.Background())
	feed.push(channel.Update{Messages: []message.Message{{ID: "m1", Kind: message.KindText, Text: "earlier"}}, Connected: true})
	waitForKind(t, watch, StateLoaded)
}

func TestSendMessage_EmptyIsNoop(t *testing.T) {
	feed := newFakeFeed()
	sender := &fakeSender{}
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, sender, "alice", "Alice")
	watch := ctrl.Watch()
	initLoaded(t, ctrl, feed, watch)

	if err := ctrl.SendMessage(context.Background(), "   \n\t "); err != nil {
		t.Fatalf("empty send should be a no-op, got %v", err)
	}
	sender.mu.Lock()
	n := len(sender.sent)
	sender.mu.Unlock()
	if n != 0 {
		t.Error("empty send should not reach the sender")
	}
	if ctrl.State().Kind != StateLoaded {
		t.Errorf("state changed on empty send: %v", ctrl.State().Kind)
	}
}

func TestSendMessage_OptimisticThenConfirmed(t *testing.T) {
	feed := newFakeFeed()
	feed.awaitErr = channel.ErrUnconfirmed // confirmation path exercised separately
	sender := &fakeSender{}
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, sender, "alice", "Alice")
	watch := ctrl.Watch()
	initLoaded(t, ctrl, feed, watch)

	if err := ctrl.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	s := ctrl.State()
	if s.Kind != StateSending || s.PendingText != "hello" {
		t.Fatalf("expected Sending(hello), got %+v", s)
	}

	// The snapshot carries the message with different case and spacing; the
	// match is case/whitespace-insensitive.
	feed.push(channel.Update{Messages: []message.Message{
		{ID: "m1", Kind: message.KindText, Text: "earlier"},
		{ID: "m2", Kind: message.KindText, Text: "  HELLO "},
	}, Connected: true})

	s = waitForKind(t, watch, StateLoaded)
	if s.PendingText != "" {
		t.Errorf("confirmed state should clear pending text: %+v", s)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	m := sender.sent[0]
	if m.Text != "hello" || m.Kind != message.KindText || m.SenderID != "alice" || m.ID == "" {
		t.Errorf("unexpected sent message: %+v", m)
	}
}

func TestSendMessage_NoMatchStaysSending(t *testing.T) {
	feed := newFakeFeed()
	feed.awaitErr = channel.ErrUnconfirmed
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()
	initLoaded(t, ctrl, feed, watch)

	if err := ctrl.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	feed.push(channel.Update{Messages: []message.Message{
		{ID: "m9", Kind: message.KindText, Text: "something else"},
	}, Connected: true})

	s := waitForKind(t, watch, StateSending)
	if s.PendingText != "hello" {
		t.Errorf("pending text should survive unmatched snapshots: %+v", s)
	}
	if len(s.Messages) != 1 || s.Messages[0].ID != "m9" {
		t.Errorf("messages should refresh while sending: %+v", s.Messages)
	}
}

func TestSendMessage_FailureRevertsAndSurfaces(t *testing.T) {
	feed := newFakeFeed()
	sender := &fakeSender{sendErr: errors.New("write failed")}
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, sender, "alice", "Alice")
	watch := ctrl.Watch()
	initLoaded(t, ctrl, feed, watch)

	err := ctrl.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("send failure should surface to the caller")
	}

	s := ctrl.State()
	if s.Kind != StateLoaded || s.Connected {
		t.Errorf("failed send should revert to disconnected Loaded, got %+v", s)
	}
	if len(s.Messages) != 1 {
		t.Errorf("cached messages should survive a failed send: %+v", s.Messages)
	}
}

func TestSendMessage_BeforeRoomResolved(t *testing.T) {
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "r"},
		newFakeFeed(), &fakeSender{}, "alice", "Alice")

	if err := ctrl.SendMessage(context.Background(), "hello"); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("send without room = %v, want ErrNoRoom", err)
	}
}

func TestDeleteMessage_Delegates(t *testing.T) {
	feed := newFakeFeed()
	sender := &fakeSender{}
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, sender, "alice", "Alice")
	watch := ctrl.Watch()
	initLoaded(t, ctrl, feed, watch)

	if err := ctrl.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.deleted) != 1 || sender.deleted[0] != "m1" {
		t.Errorf("delete not delegated: %v", sender.deleted)
	}
}

func TestRetry_Reinitializes(t *testing.T) {
	feed := newFakeFeed()
	ctrl := NewController(testSessionConfig(), pairedAccounts(), &fakeRooms{roomID: "alice_bob"},
		feed, &fakeSender{}, "alice", "Alice")
	watch := ctrl.Watch()
	initLoaded(t, ctrl, feed, watch)

	ctrl.Retry(context.Background())
	feed.push(channel.Update{Connected: true})
	waitForKind(t, watch, StateLoaded)

	feed.mu.Lock()
	unsubbed := feed.unsubbed
	feed.mu.Unlock()
	if unsubbed != 1 {
		t.Errorf("retry should tear down the prior subscription, unsubbed=%d", unsubbed)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"hello", "HELLO", true},
		{" hello  world ", "hello world", true},
		{"hello\tworld", "hello world", true},
		{"hello", "hullo", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if (normalizeText(tt.a) == normalizeText(tt.b)) != tt.same {
			t.Errorf("normalizeText(%q) vs (%q): same=%v expected", tt.a, tt.b, tt.same)
		}
	}
}

func TestSnapshotContains_IgnoresImagesAndEmpty(t *testing.T) {
	msgs := []message.Message{
		{Kind: message.KindImage, Text: ""},
		{Kind: message.KindText, Text: "hi"},
	}
	if !snapshotContains(msgs, "HI ") {
		t.Error("should match text message case-insensitively")
	}
	if snapshotContains(msgs, "") {
		t.Error("empty pending text must never match")
	}
	if snapshotContains([]message.Message{{Kind: message.KindImage}}, "hi") {
		t.Error("image messages should not confirm text sends")
	}
}
