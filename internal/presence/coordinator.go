package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultIdleWindow is how long after the last keystroke the typing flag is
// cleared.
const DefaultIdleWindow = 2500 * time.Millisecond

// TypingWriter is the store surface the coordinator writes through.
type TypingWriter interface {
	SetTyping(ctx context.Context, roomID, userID string, typing bool) error
}

// Coordinator debounces a user's typing signal for one room: a burst of
// keystrokes collapses to a single typing=true write, followed by a single
// typing=false write once the idle window elapses or Flush is called
// (message sent, input cleared, screen left).
type Coordinator struct {
	w      TypingWriter
	roomID string
	userID string
	idle   time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewCoordinator creates a typing coordinator for one user in one room.
func NewCoordinator(w TypingWriter, roomID, userID string, idle time.Duration) *Coordinator {
	if idle <= 0 {
		idle = DefaultIdleWindow
	}
	return &Coordinator{w: w, roomID: roomID, userID: userID, idle: idle}
}

// UpdateTyping registers a keystroke (typing=true) or an explicit stop.
// Repeated true calls within the idle window only extend the window; they
// never produce additional writes.
func (c *Coordinator) UpdateTyping(ctx context.Context, typing bool) {
	if !typing {
		c.Flush(ctx)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.idle, func() { c.Flush(context.Background()) })

	if c.active {
		return
	}
	c.active = true
	if err := c.w.SetTyping(ctx, c.roomID, c.userID, true); err != nil {
		log.Printf("[presence] typing write room=%s user=%s: %v", c.roomID, c.userID, err)
	}
}

// Flush clears the typing flag immediately if it is set and cancels the
// pending idle timer. Safe to call repeatedly and on teardown.
func (c *Coordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.active {
		return
	}
	c.active = false
	if err := c.w.SetTyping(ctx, c.roomID, c.userID, false); err != nil {
		log.Printf("[presence] typing clear room=%s user=%s: %v", c.roomID, c.userID, err)
	}
}
