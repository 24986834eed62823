// Package channel maintains live, reconnecting message feeds per room. One
// upstream watcher is open per room regardless of how many observers are
// subscribed; every change re-queries the store and pushes the full snapshot
// to all observers. The indexed primary query degrades transparently to a
// smaller fallback query while the backend's read index is still building,
// and transient errors keep the last good snapshot visible instead of
// blanking observers.
package channel

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/duet/chat-app/internal/message"
	"github.com/duet/chat-app/internal/metrics"
)

// ErrUnconfirmed is returned by AwaitDelivery when the message did not show
// up in a snapshot within the wait budget. The send itself may still have
// succeeded ("sent but unconfirmed"), so callers must not treat this as a
// send failure.
var ErrUnconfirmed = errors.New("channel: delivery not confirmed in time")

// Update is one emission of a room feed: the fully materialized message
// list (newest first) and the current connectivity flag. Lists are always
// replaced whole, never patched.
type Update struct {
	Messages  []message.Message
	Connected bool
}

// Querier is the store-side read surface of a feed.
type Querier interface {
	// ListVisible is the primary, index-backed query with soft-deleted
	// messages excluded server-side. Returns message.ErrIndexBuilding while
	// the indexed path is unavailable.
	ListVisible(ctx context.Context, roomID string) ([]message.Message, error)

	// ListRecent is the fallback query; soft-deleted rows are included and
	// must be filtered by the caller.
	ListRecent(ctx context.Context, roomID string) ([]message.Message, error)
}

// Watcher delivers change signals for a room. The returned cancel func tears
// down the upstream subscription.
type Watcher interface {
	WatchRoom(roomID string, fn func()) (cancel func(), err error)
}

// Config holds feed tuning parameters.
type Config struct {
	ReconnectDelay time.Duration // fixed delay between reconnect attempts
	MaxRetries     int           // retry ceiling before going degraded
	ProbeInterval  time.Duration // how often to re-try the primary query in fallback mode
	QueryTimeout   time.Duration // per-query deadline
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 2 * time.Second,
		MaxRetries:     5,
		ProbeInterval:  30 * time.Second,
		QueryTimeout:   5 * time.Second,
	}
}

// Channel multiplexes room feeds over a shared querier and watcher.
type Channel struct {
	q   Querier
	w   Watcher
	cfg Config

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed is the per-room broadcast state. All fields are guarded by the
// owning Channel's mutex except the run-loop channels.
type feed struct {
	roomID  string
	subs    map[int]chan Update
	nextSub int

	cache      []message.Message
	cacheValid bool
	connected  bool
	fallback   bool
	retries    int

	waiters map[string][]chan struct{} // message id -> confirmation signals

	events      chan struct{} // coalesced change/retry signals
	done        chan struct{}
	cancelWatch func()
}

// New creates a Channel over the given querier and watcher.
func New(q Querier, w Watcher, cfg Config) *Channel {
	return &Channel{
		q:     q,
		w:     w,
		cfg:   cfg,
		feeds: make(map[string]*feed),
	}
}

// Subscribe attaches an observer to the room's feed, opening the upstream
// watcher if this is the first observer. The returned channel carries full
// snapshots (latest wins; slow observers see only the newest). The cancel
// func detaches the observer and closes its channel; the upstream watcher is
// torn down when the last observer leaves.
func (c *Channel) Subscribe(roomID string) (<-chan Update, func(), error) {
	c.mu.Lock()

	f, ok := c.feeds[roomID]
	if !ok {
		f = &feed{
			roomID:  roomID,
			subs:    make(map[int]chan Update),
			waiters: make(map[string][]chan struct{}),
			events:  make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		c.feeds[roomID] = f
	}

	id := f.nextSub
	f.nextSub++
	ch := make(chan Update, 1)
	f.subs[id] = ch

	// Replay the current snapshot to late joiners.
	if f.cacheValid {
		ch <- Update{Messages: f.cache, Connected: f.connected}
	}
	c.mu.Unlock()

	if !ok {
		cancel, err := c.w.WatchRoom(roomID, func() { f.signal() })
		if err != nil {
			c.mu.Lock()
			delete(c.feeds, roomID)
			// Close every observer channel (others may have joined while the
			// watch was being opened) so ranging consumers terminate.
			for _, sch := range f.subs {
				close(sch)
			}
			f.subs = make(map[int]chan Update)
			c.mu.Unlock()
			return nil, nil, err
		}
		c.mu.Lock()
		f.cancelWatch = cancel
		c.mu.Unlock()

		go c.run(f)
		f.signal() // initial query
		metrics.OpenFeeds.Inc()
	}

	unsub := func() { c.unsubscribe(f, id) }
	return ch, unsub, nil
}

// signal coalesces change notifications into the feed's event channel.
func (f *feed) signal() {
	select {
	case f.events <- struct{}{}:
	default:
	}
}

// unsubscribe detaches one observer, closing its channel so a ranging
// consumer terminates, and tears down the upstream watcher when the last
// observer leaves. Safe to call more than once.
func (c *Channel) unsubscribe(f *feed, id int) {
	c.mu.Lock()
	ch, present := f.subs[id]
	delete(f.subs, id)
	last := present && len(f.subs) == 0
	if last {
		delete(c.feeds, f.roomID)
	}
	cancel := f.cancelWatch
	c.mu.Unlock()

	// No sender can reach ch once it has left the subs map: every send
	// happens under the channel mutex.
	if present {
		close(ch)
	}
	if last {
		if cancel != nil {
			cancel()
		}
		close(f.done)
		metrics.OpenFeeds.Dec()
	}
}

// run is the feed's event loop: it re-queries on every change signal and
// probes the primary query periodically while in fallback mode.
func (c *Channel) run(f *feed) {
	probe := time.NewTicker(c.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-f.events:
			c.refresh(f, false)
		case <-probe.C:
			c.mu.Lock()
			inFallback := f.fallback
			c.mu.Unlock()
			if inFallback {
				c.refresh(f, true)
			}
		}
	}
}

// refresh runs one query cycle and broadcasts the result. probePrimary
// forces an attempt at the primary query even while in fallback mode.
func (c *Channel) refresh(f *feed, probePrimary bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	defer cancel()

	c.mu.Lock()
	usePrimary := !f.fallback || probePrimary
	c.mu.Unlock()

	var (
		msgs []message.Message
		err  error
	)
	if usePrimary {
		msgs, err = c.q.ListVisible(ctx, f.roomID)
		if errors.Is(err, message.ErrIndexBuilding) {
			c.mu.Lock()
			if !f.fallback {
				log.Printf("[channel] room=%s index building, switching to fallback query", f.roomID)
				metrics.FallbackActivations.Inc()
			}
			f.fallback = true
			c.mu.Unlock()
			msgs, err = c.q.ListRecent(ctx, f.roomID)
			if err == nil {
				msgs = message.FilterDeleted(msgs)
			}
		} else if err == nil && probePrimary {
			c.mu.Lock()
			if f.fallback {
				log.Printf("[channel] room=%s primary query recovered", f.roomID)
			}
			f.fallback = false
			c.mu.Unlock()
		}
	} else {
		msgs, err = c.q.ListRecent(ctx, f.roomID)
		if err == nil {
			msgs = message.FilterDeleted(msgs)
		}
	}

	if err != nil {
		c.transientFailure(f, err)
		return
	}

	c.mu.Lock()
	f.cache = msgs
	f.cacheValid = true
	f.connected = true
	f.retries = 0
	c.confirmWaitersLocked(f, msgs)
	c.broadcastLocked(f, Update{Messages: msgs, Connected: true})
	c.mu.Unlock()
}

// transientFailure emits the last-known snapshot immediately so observers
// are never left without data, then schedules a bounded reconnect.
func (c *Channel) transientFailure(f *feed, err error) {
	c.mu.Lock()
	f.connected = false
	c.broadcastLocked(f, Update{Messages: f.cache, Connected: false})
	f.retries++
	retries := f.retries
	c.mu.Unlock()

	metrics.FeedRetries.Inc()

	if retries > c.cfg.MaxRetries {
		log.Printf("[channel] room=%s retry ceiling reached (%d): %v", f.roomID, retries-1, err)
		return
	}

	log.Printf("[channel] room=%s query failed (attempt %d/%d): %v",
		f.roomID, retries, c.cfg.MaxRetries, err)
	time.AfterFunc(c.cfg.ReconnectDelay, func() {
		select {
		case <-f.done:
		default:
			f.signal()
		}
	})
}

// broadcastLocked pushes an update to every observer, replacing a stale
// pending update so slow observers always see the newest snapshot.
func (c *Channel) broadcastLocked(f *feed, u Update) {
	for _, ch := range f.subs {
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

// confirmWaitersLocked signals delivery waiters whose message id appears in
// the snapshot.
func (c *Channel) confirmWaitersLocked(f *feed, msgs []message.Message) {
	if len(f.waiters) == 0 {
		return
	}
	for _, m := range msgs {
		if chans, ok := f.waiters[m.ID]; ok {
			for _, ch := range chans {
				close(ch)
			}
			delete(f.waiters, m.ID)
		}
	}
}

// AwaitDelivery blocks until the given message id appears in a snapshot of
// the room, the timeout elapses (ErrUnconfirmed), or ctx is done. The room
// must have an active feed, which is always the case for a sender that is
// itself subscribed.
func (c *Channel) AwaitDelivery(ctx context.Context, roomID, msgID string, timeout time.Duration) error {
	c.mu.Lock()
	f, ok := c.feeds[roomID]
	if !ok {
		c.mu.Unlock()
		return ErrUnconfirmed
	}

	// Already confirmed by a previous snapshot.
	if f.cacheValid {
		for _, m := range f.cache {
			if m.ID == msgID {
				c.mu.Unlock()
				return nil
			}
		}
	}

	ch := make(chan struct{})
	f.waiters[msgID] = append(f.waiters[msgID], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		c.dropWaiter(f, msgID, ch)
		return ErrUnconfirmed
	case <-ctx.Done():
		c.dropWaiter(f, msgID, ch)
		return ctx.Err()
	}
}

func (c *Channel) dropWaiter(f *feed, msgID string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := f.waiters[msgID]
	for i, w := range chans {
		if w == ch {
			f.waiters[msgID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(f.waiters[msgID]) == 0 {
		delete(f.waiters, msgID)
	}
}
