// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/duet/chat-app/internal/message"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth             = "auth"
	TypeGenerateCode     = "generate_code"
	TypeRedeemCode       = "redeem_code"
	TypeUnpair           = "unpair"
	TypeRequestReconnect = "request_reconnect"
	TypeAcceptReconnect  = "accept_reconnect"
	TypeRejectReconnect  = "reject_reconnect"
	TypeMessage          = "message"
	TypeImage            = "image"
	TypeTyping           = "typing"
	TypeMarkRead         = "mark_read"
	TypeDeleteMessage    = "delete_message"
	TypeFavorite         = "favorite"
	TypeSetPrivacy       = "set_privacy"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeAuthed           = "authed"
	TypeCodeGenerated    = "code_generated"
	TypeCodeRedeemed     = "code_redeemed"
	TypePaired           = "paired"
	TypeUnpaired         = "unpaired"
	TypeReconnectPending = "reconnect_pending"
	TypeSnapshot         = "snapshot"
	TypeMessageAck       = "message_ack"
	TypePresence         = "presence"
	TypePartnerTyping    = "partner_typing"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg identifies the connecting account. It must be the first message on
// a new connection.
type AuthMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PushToken   string `json:"push_token,omitempty"`
}

// GenerateCodeMsg asks the server to mint a fresh pairing code for the
// current account, invalidating any earlier unused code.
type GenerateCodeMsg struct {
	Type string `json:"type"`
}

// RedeemCodeMsg submits a partner's pairing code for redemption.
type RedeemCodeMsg struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// UnpairMsg dissolves the current pairing.
type UnpairMsg struct {
	Type string `json:"type"`
}

// RequestReconnectMsg asks a past partner to re-establish the connection.
type RequestReconnectMsg struct {
	Type      string `json:"type"`
	HistoryID string `json:"history_id"`
}

// AcceptReconnectMsg accepts a pending reconnection request.
type AcceptReconnectMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// RejectReconnectMsg rejects a pending reconnection request.
type RejectReconnectMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// ChatMsg is a text message sent by the client to the paired partner.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ImageMsg is an image message referencing an already uploaded attachment.
type ImageMsg struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// MarkReadMsg marks all of the partner's messages in the room as read.
type MarkReadMsg struct {
	Type string `json:"type"`
}

// DeleteMessageMsg soft-deletes one of the sender's own messages.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// FavoriteMsg toggles the sender's favorite mark on a message.
type FavoriteMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// SetPrivacyMsg updates the sender's presence-visibility flags.
type SetPrivacyMsg struct {
	Type         string `json:"type"`
	ShowOnline   bool   `json:"show_online"`
	ShowLastSeen bool   `json:"show_last_seen"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthedMsg confirms authentication and reports pairing state.
type AuthedMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	PartnerID string `json:"partner_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
}

// CodeGeneratedMsg carries a freshly minted pairing code.
type CodeGeneratedMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Display string `json:"display"` // hyphenated form for on-screen use
}

// CodeRedeemedMsg reports the outcome of a redemption attempt. On success
// PartnerID and RoomID are set; on failure Reason names the cause.
type CodeRedeemedMsg struct {
	Type      string `json:"type"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
}

// PairedMsg notifies the code owner that their code was redeemed and a
// pairing now exists.
type PairedMsg struct {
	Type      string `json:"type"`
	PartnerID string `json:"partner_id"`
	RoomID    string `json:"room_id"`
}

// UnpairedMsg notifies a client that the pairing was dissolved.
type UnpairedMsg struct {
	Type      string `json:"type"`
	HistoryID string `json:"history_id"`
}

// ReconnectPendingMsg notifies the target of a reconnection request.
type ReconnectPendingMsg struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id"`
	RequesterID string `json:"requester_id"`
}

// SnapshotMsg carries the current visible message set for the room. Sent on
// subscribe and on every room change.
type SnapshotMsg struct {
	Type      string            `json:"type"`
	RoomID    string            `json:"room_id"`
	Messages  []message.Message `json:"messages"`
	Connected bool              `json:"connected"` // live stream vs fallback/cache
}

// MessageAckMsg confirms a client message was durably written.
type MessageAckMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"` // confirmed through the live stream
}

// PresenceMsg reports the partner's effective online state.
type PresenceMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"` // unix millis, 0 when never seen
}

// PartnerTypingMsg relays the partner's typing indicator to the client.
type PartnerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGenerateCode:
		var m GenerateCodeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRedeemCode:
		var m RedeemCodeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnpair:
		var m UnpairMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestReconnect:
		var m RequestReconnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptReconnect:
		var m AcceptReconnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRejectReconnect:
		var m RejectReconnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeImage:
		var m ImageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFavorite:
		var m FavoriteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetPrivacy:
		var m SetPrivacyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
