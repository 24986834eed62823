// Package client provides a reusable WebSocket load test client for the
// Duet chat application. It connects using gobwas/ws (the same library the
// server uses), performs the auth handshake, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth          = "auth"
	TypeGenerateCode  = "generate_code"
	TypeRedeemCode    = "redeem_code"
	TypeUnpair        = "unpair"
	TypeMessage       = "message"
	TypeTyping        = "typing"
	TypeMarkRead      = "mark_read"
	TypeDeleteMessage = "delete_message"
	TypeFavorite      = "favorite"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeAuthed        = "authed"
	TypeCodeGenerated = "code_generated"
	TypeCodeRedeemed  = "code_redeemed"
	TypePaired        = "paired"
	TypeUnpaired      = "unpaired"
	TypeSnapshot      = "snapshot"
	TypeMessageAck    = "message_ack"
	TypePresence      = "presence"
	TypePartnerTyping = "partner_typing"
	TypeRateLimited   = "rate_limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Duet server.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and tracks the auth handshake.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	userID    string
	roomID    string
	partnerID string
	authed    bool
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages. Call Login to perform the auth handshake.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Login sends the auth message for the given identity. The authed response
// is tracked internally; use WaitForAuth to block until it arrives.
func (c *Client) Login(userID, displayName string) error {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	return c.Send(map[string]string{
		"type":         TypeAuth,
		"user_id":      userID,
		"display_name": displayName,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForAuth blocks until the server has acknowledged the auth handshake or
// the context is cancelled.
func (c *Client) WaitForAuth(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before auth completed")
		case <-ticker.C:
			c.mu.Lock()
			ok := c.authed
			c.mu.Unlock()
			if ok {
				c.mu.Lock()
				c.metrics.AuthLatency = c.metrics.ConnectLatency + time.Since(start)
				c.mu.Unlock()
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the identity this client logged in with.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// RoomID returns the room the server reported, or "" before pairing.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// PartnerID returns the partner the server reported, or "" when unpaired.
func (c *Client) PartnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Track handshake and pairing state internally so scenarios can poll
		// RoomID/PartnerID without registering handlers.
		switch envelope.Type {
		case TypeAuthed:
			var msg struct {
				PartnerID string `json:"partner_id"`
				RoomID    string `json:"room_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil {
				c.mu.Lock()
				c.authed = true
				c.partnerID = msg.PartnerID
				c.roomID = msg.RoomID
				c.mu.Unlock()
			}
		case TypePaired:
			var msg struct {
				PartnerID string `json:"partner_id"`
				RoomID    string `json:"room_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil {
				c.mu.Lock()
				c.partnerID = msg.PartnerID
				c.roomID = msg.RoomID
				c.mu.Unlock()
			}
		case TypeCodeRedeemed:
			var msg struct {
				OK        bool   `json:"ok"`
				PartnerID string `json:"partner_id"`
				RoomID    string `json:"room_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.OK {
				c.mu.Lock()
				c.partnerID = msg.PartnerID
				c.roomID = msg.RoomID
				c.mu.Unlock()
			}
		case TypeUnpaired:
			c.mu.Lock()
			c.partnerID = ""
			c.roomID = ""
			c.mu.Unlock()
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
