package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duet/chat-app/internal/account"
	"github.com/duet/chat-app/internal/channel"
	"github.com/duet/chat-app/internal/message"
	"github.com/duet/chat-app/internal/metrics"
)

// ErrNoRoom is returned by send operations before a room has been resolved.
var ErrNoRoom = errors.New("session: no active room")

// AccountResolver resolves the current account and its partner pointer.
type AccountResolver interface {
	Get(ctx context.Context, id string) (*account.Account, error)
}

// RoomResolver derives and idempotently creates the pair's room.
type RoomResolver interface {
	GetOrCreate(ctx context.Context, a, b string) (string, error)
}

// Feed is the live message stream surface consumed by the controller.
type Feed interface {
	Subscribe(roomID string) (<-chan channel.Update, func(), error)
	AwaitDelivery(ctx context.Context, roomID, msgID string, timeout time.Duration) error
}

// Sender performs the durable message writes.
type Sender interface {
	Send(ctx context.Context, m *message.Message) error
	SoftDelete(ctx context.Context, id, senderID string) error
}

// Config holds the controller's retry tuning.
type Config struct {
	RoomRetries    int           // room-resolution attempts before degrading
	RetryDelay     time.Duration // base delay; grows linearly per attempt
	ConfirmTimeout time.Duration // delivery-confirmation wait budget
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RoomRetries:    3,
		RetryDelay:     time.Second,
		ConfirmTimeout: 5 * time.Second,
	}
}

// Controller owns one user's session state. All transitions happen under the
// internal mutex; observers receive every state through Watch channels with
// latest-wins semantics.
type Controller struct {
	cfg      Config
	accounts AccountResolver
	rooms    RoomResolver
	feed     Feed
	sender   Sender

	userID      string
	displayName string

	mu        sync.Mutex
	state     State
	observers []chan State
	unsub     func()
	gen       int // invalidates consume loops from superseded inits
}

// NewController creates a session controller for the given user in the
// Initial state. Call Init to start it.
func NewController(cfg Config, accounts AccountResolver, rooms RoomResolver, feed Feed, sender Sender, userID, displayName string) *Controller {
	return &Controller{
		cfg:         cfg,
		accounts:    accounts,
		rooms:       rooms,
		feed:        feed,
		sender:      sender,
		userID:      userID,
		displayName: displayName,
		state:       State{Kind: StateInitial},
	}
}

// Watch registers an observer. The channel carries every state transition;
// a slow observer only ever misses intermediate states, never the latest.
func (c *Controller) Watch() <-chan State {
	ch := make(chan State, 1)
	c.mu.Lock()
	c.observers = append(c.observers, ch)
	ch <- c.state
	c.mu.Unlock()
	return ch
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	for _, ch := range c.observers {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Init drives Initial/Error -> Loading -> Loaded. A missing account is fatal
// (Error state); failure to resolve a room within the bounded retries is not:
// the session degrades to an empty, disconnected Loaded state so first-time
// users without a partner are not blocked behind an error screen.
func (c *Controller) Init(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.setStateLocked(State{Kind: StateLoading})
	c.mu.Unlock()

	acct, err := c.accounts.Get(ctx, c.userID)
	if err != nil || acct == nil {
		log.Printf("[session] user=%s account resolution failed: %v", c.userID, err)
		c.setState(State{Kind: StateError, Err: "please sign in"})
		return
	}

	roomID := c.resolveRoom(ctx, acct.PartnerID)
	if roomID == "" {
		c.setState(State{Kind: StateLoaded, Messages: []message.Message{}, Connected: false})
		return
	}

	updates, unsub, err := c.feed.Subscribe(roomID)
	if err != nil {
		log.Printf("[session] user=%s subscribe room=%s failed: %v", c.userID, roomID, err)
		c.setState(State{Kind: StateLoaded, Messages: []message.Message{}, RoomID: roomID, Connected: false})
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		// A newer Init superseded this one while we were subscribing.
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsub = unsub
	c.mu.Unlock()

	go c.consume(gen, roomID, updates)
}

// resolveRoom attempts room resolution with a fixed retry count and linearly
// increasing delay. Returns "" on exhaustion.
func (c *Controller) resolveRoom(ctx context.Context, partnerID string) string {
	for attempt := 1; attempt <= c.cfg.RoomRetries; attempt++ {
		if partnerID != "" {
			roomID, err := c.rooms.GetOrCreate(ctx, c.userID, partnerID)
			if err == nil {
				return roomID
			}
			log.Printf("[session] user=%s room resolution attempt %d/%d: %v",
				c.userID, attempt, c.cfg.RoomRetries, err)
		} else {
			// Pairing may complete while we wait; re-resolve the partner.
			if acct, err := c.accounts.Get(ctx, c.userID); err == nil && acct != nil {
				partnerID = acct.PartnerID
				if partnerID != "" {
					continue
				}
			}
		}

		if attempt == c.cfg.RoomRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
		}
	}
	return ""
}

// consume applies stream updates to the state machine until superseded.
func (c *Controller) consume(gen int, roomID string, updates <-chan channel.Update) {
	for u := range updates {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.applySnapshotLocked(roomID, u)
		c.mu.Unlock()
	}
}

// applySnapshotLocked is the snapshot-arrival transition. A Sending state
// whose pending text matches an arriving message is confirmed to Loaded;
// otherwise Sending persists with refreshed messages.
func (c *Controller) applySnapshotLocked(roomID string, u channel.Update) {
	if c.state.Kind == StateSending && !snapshotContains(u.Messages, c.state.PendingText) {
		c.setStateLocked(State{
			Kind:        StateSending,
			Messages:    u.Messages,
			RoomID:      roomID,
			Connected:   u.Connected,
			PendingText: c.state.PendingText,
		})
		return
	}
	c.setStateLocked(State{
		Kind:      StateLoaded,
		Messages:  u.Messages,
		RoomID:    roomID,
		Connected: u.Connected,
	})
}

// SendMessage performs an optimistic send. Empty (post-trim) text is a
// no-op. On write failure the optimistic Sending state is reverted to a
// disconnected Loaded state and the error is returned to the caller; there
// is no automatic resend. On success the transition to Loaded is left to the
// stream-confirmation path.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := message.ValidateText(text); err != nil {
		return err
	}

	c.mu.Lock()
	roomID := c.state.RoomID
	msgs := c.state.Messages
	if roomID == "" {
		c.mu.Unlock()
		return ErrNoRoom
	}
	c.setStateLocked(State{
		Kind:        StateSending,
		Messages:    msgs,
		RoomID:      roomID,
		PendingText: text,
	})
	c.mu.Unlock()

	m := &message.Message{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   c.userID,
		SenderName: c.displayName,
		Kind:       message.KindText,
		Text:       text,
	}

	start := time.Now()
	if err := c.sender.Send(ctx, m); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		c.mu.Lock()
		if c.state.Kind == StateSending && c.state.PendingText == text {
			c.setStateLocked(State{
				Kind:      StateLoaded,
				Messages:  msgs,
				RoomID:    roomID,
				Connected: false,
			})
		}
		c.mu.Unlock()
		return err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	// Best effort: an unconfirmed delivery is "sent", not an error.
	if err := c.feed.AwaitDelivery(ctx, roomID, m.ID, c.cfg.ConfirmTimeout); err != nil {
		log.Printf("[session] user=%s message=%s sent but unconfirmed: %v", c.userID, m.ID, err)
	}
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return nil
}

// SendImage persists an image message that has already been uploaded. Image
// sends are not reconciled by text; the stream simply reflects them.
func (c *Controller) SendImage(ctx context.Context, imageURL string) error {
	c.mu.Lock()
	roomID := c.state.RoomID
	c.mu.Unlock()
	if roomID == "" {
		return ErrNoRoom
	}

	m := &message.Message{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   c.userID,
		SenderName: c.displayName,
		Kind:       message.KindImage,
		ImageURL:   imageURL,
	}
	if err := c.sender.Send(ctx, m); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// DeleteMessage delegates to the backend soft delete. The live stream
// reflects the removal; errors are surfaced to the caller, not retried.
func (c *Controller) DeleteMessage(ctx context.Context, id string) error {
	return c.sender.SoftDelete(ctx, id, c.userID)
}

// Retry resets the machine and re-enters from Loading.
func (c *Controller) Retry(ctx context.Context) {
	c.Init(ctx)
}

// Close tears down the feed subscription. The controller is left in its
// current state and can be restarted with Init.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.mu.Unlock()
}
