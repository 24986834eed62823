package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duet/chat-app/internal/message"
)

// fakeQuerier serves canned snapshots and scripted errors.
type fakeQuerier struct {
	mu          sync.Mutex
	visible     []message.Message
	recent      []message.Message
	visibleErr  error
	recentErr   error
	visibleHits int
	recentHits  int
}

func (q *fakeQuerier) ListVisible(ctx context.Context, roomID string) ([]message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibleHits++
	if q.visibleErr != nil {
		return nil, q.visibleErr
	}
	return q.visible, nil
}

func (q *fakeQuerier) ListRecent(ctx context.Context, roomID string) ([]message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recentHits++
	if q.recentErr != nil {
		return nil, q.recentErr
	}
	return q.recent, nil
}

func (q *fakeQuerier) set(visible []message.Message, visibleErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visible = visible
	q.visibleErr = visibleErr
}

// fakeWatcher records watch registrations and lets tests fire change signals.
type fakeWatcher struct {
	mu      sync.Mutex
	fns     map[string]func()
	watches int
	cancels int
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{fns: make(map[string]func())}
}

func (w *fakeWatcher) WatchRoom(roomID string, fn func()) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches++
	w.fns[roomID] = fn
	return func() {
		w.mu.Lock()
		w.cancels++
		delete(w.fns, roomID)
		w.mu.Unlock()
	}, nil
}

func (w *fakeWatcher) fire(roomID string) {
	w.mu.Lock()
	fn := w.fns[roomID]
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func testConfig() Config {
	return Config{
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     3,
		ProbeInterval:  20 * time.Millisecond,
		QueryTimeout:   time.Second,
	}
}

func recvUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestSubscribe_InitialSnapshot(t *testing.T) {
	q := &fakeQuerier{visible: []message.Message{{ID: "m1", Text: "hi"}}}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, err := c.Subscribe("room1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	u := recvUpdate(t, ch)
	if !u.Connected {
		t.Error("initial snapshot should be connected")
	}
	if len(u.Messages) != 1 || u.Messages[0].ID != "m1" {
		t.Errorf("unexpected snapshot: %+v", u.Messages)
	}
}

func TestSubscribe_OneUpstreamWatcherPerRoom(t *testing.T) {
	q := &fakeQuerier{}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch1, cancel1, _ := c.Subscribe("room1")
	recvUpdate(t, ch1)
	ch2, cancel2, _ := c.Subscribe("room1")

	w.mu.Lock()
	watches := w.watches
	w.mu.Unlock()
	if watches != 1 {
		t.Fatalf("expected 1 upstream watch for 2 observers, got %d", watches)
	}

	// Second observer gets the cached snapshot replayed.
	recvUpdate(t, ch2)

	// Upstream torn down only when the last observer leaves.
	cancel1()
	w.mu.Lock()
	cancels := w.cancels
	w.mu.Unlock()
	if cancels != 0 {
		t.Fatal("upstream cancelled while an observer remains")
	}

	cancel2()
	w.mu.Lock()
	cancels = w.cancels
	w.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected upstream cancel after last unsubscribe, got %d", cancels)
	}
}

func TestFanOut_AllObserversSeeSnapshot(t *testing.T) {
	q := &fakeQuerier{}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch1, cancel1, _ := c.Subscribe("room1")
	defer cancel1()
	recvUpdate(t, ch1)
	ch2, cancel2, _ := c.Subscribe("room1")
	defer cancel2()
	recvUpdate(t, ch2)

	q.set([]message.Message{{ID: "m2"}}, nil)
	w.fire("room1")

	for i, ch := range []<-chan Update{ch1, ch2} {
		u := recvUpdate(t, ch)
		if len(u.Messages) != 1 || u.Messages[0].ID != "m2" {
			t.Errorf("observer %d got %+v", i, u.Messages)
		}
	}
}

func TestFallback_FiltersSoftDeleted(t *testing.T) {
	q := &fakeQuerier{
		visibleErr: message.ErrIndexBuilding,
		recent: []message.Message{
			{ID: "m1"},
			{ID: "m2", Deleted: true},
			{ID: "m3"},
		},
	}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()

	u := recvUpdate(t, ch)
	if !u.Connected {
		t.Error("fallback snapshot should still be connected")
	}
	if len(u.Messages) != 2 {
		t.Fatalf("fallback should exclude soft-deleted rows, got %d messages", len(u.Messages))
	}
	for _, m := range u.Messages {
		if m.Deleted {
			t.Errorf("soft-deleted message %s leaked into snapshot", m.ID)
		}
	}
}

func TestFallback_ProbesPrimaryUntilRecovered(t *testing.T) {
	q := &fakeQuerier{
		visibleErr: message.ErrIndexBuilding,
		recent:     []message.Message{{ID: "m1"}},
	}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()
	recvUpdate(t, ch)

	// Index finishes building; the periodic probe should pick the primary
	// path back up.
	q.set([]message.Message{{ID: "m1"}, {ID: "m2"}}, nil)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if len(u.Messages) == 2 {
				return // primary recovered
			}
		case <-deadline:
			t.Fatal("primary query never recovered from fallback")
		}
	}
}

func TestTransientError_EmitsCacheDisconnected(t *testing.T) {
	q := &fakeQuerier{visible: []message.Message{{ID: "m1"}}}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()
	recvUpdate(t, ch)

	q.set(nil, errors.New("network blip"))
	w.fire("room1")

	u := recvUpdate(t, ch)
	if u.Connected {
		t.Error("transient error should emit Connected=false")
	}
	if len(u.Messages) != 1 || u.Messages[0].ID != "m1" {
		t.Errorf("cached snapshot should remain visible, got %+v", u.Messages)
	}
}

func TestTransientError_RecoversOnRetry(t *testing.T) {
	q := &fakeQuerier{visible: []message.Message{{ID: "m1"}}}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()
	recvUpdate(t, ch)

	q.set(nil, errors.New("network blip"))
	w.fire("room1")
	recvUpdate(t, ch) // degraded emission

	// Backend recovers before the retry ceiling; the scheduled reconnect
	// should restore a connected snapshot without any external signal.
	q.set([]message.Message{{ID: "m1"}, {ID: "m2"}}, nil)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Connected && len(u.Messages) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("feed did not recover after transient error")
		}
	}
}

func TestUnsubscribe_ClosesObserverChannel(t *testing.T) {
	q := &fakeQuerier{}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	recvUpdate(t, ch)

	// Consumers range over the update channel; detaching must terminate them.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for range ch {
		}
	}()

	cancel()
	select {
	case <-consumerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("ranging consumer still blocked after unsubscribe; channel never closed")
	}

	// Repeated cancel must be a no-op, not a double close.
	cancel()
}

func TestUnsubscribe_OtherObserversStayOpen(t *testing.T) {
	q := &fakeQuerier{}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch1, cancel1, _ := c.Subscribe("room1")
	recvUpdate(t, ch1)
	ch2, cancel2, _ := c.Subscribe("room1")
	defer cancel2()
	recvUpdate(t, ch2)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for range ch1 {
		}
	}()
	cancel1()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("detached observer's channel never closed")
	}

	// The remaining observer keeps receiving snapshots.
	q.set([]message.Message{{ID: "m2"}}, nil)
	w.fire("room1")
	u := recvUpdate(t, ch2)
	if len(u.Messages) != 1 || u.Messages[0].ID != "m2" {
		t.Errorf("remaining observer got %+v", u.Messages)
	}
}

func TestAwaitDelivery_ConfirmedBySnapshot(t *testing.T) {
	q := &fakeQuerier{}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()
	recvUpdate(t, ch)

	done := make(chan error, 1)
	go func() {
		done <- c.AwaitDelivery(context.Background(), "room1", "m9", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.set([]message.Message{{ID: "m9"}}, nil)
	w.fire("room1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitDelivery = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AwaitDelivery never returned")
	}
}

func TestAwaitDelivery_AlreadyInCache(t *testing.T) {
	q := &fakeQuerier{visible: []message.Message{{ID: "m1"}}}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()
	recvUpdate(t, ch)

	if err := c.AwaitDelivery(context.Background(), "room1", "m1", 100*time.Millisecond); err != nil {
		t.Fatalf("AwaitDelivery for cached message = %v, want nil", err)
	}
}

func TestAwaitDelivery_Timeout(t *testing.T) {
	q := &fakeQuerier{}
	w := newFakeWatcher()
	c := New(q, w, testConfig())

	ch, cancel, _ := c.Subscribe("room1")
	defer cancel()
	recvUpdate(t, ch)

	err := c.AwaitDelivery(context.Background(), "room1", "never", 30*time.Millisecond)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("AwaitDelivery = %v, want ErrUnconfirmed", err)
	}
}

func TestAwaitDelivery_NoFeed(t *testing.T) {
	c := New(&fakeQuerier{}, newFakeWatcher(), testConfig())
	err := c.AwaitDelivery(context.Background(), "ghost", "m1", 10*time.Millisecond)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("AwaitDelivery without feed = %v, want ErrUnconfirmed", err)
	}
}
