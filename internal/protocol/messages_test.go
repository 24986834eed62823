package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid redeem_code message
// ---------------------------------------------------------------------------

func TestParseClientMessage_RedeemCode(t *testing.T) {
	input := []byte(`{"type":"redeem_code","code":"AB1-2CD"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRedeemCode {
		t.Fatalf("expected type %q, got %q", TypeRedeemCode, msgType)
	}

	rc, ok := msg.(RedeemCodeMsg)
	if !ok {
		t.Fatalf("expected RedeemCodeMsg, got %T", msg)
	}
	if rc.Code != "AB1-2CD" {
		t.Errorf("expected code %q, got %q", "AB1-2CD", rc.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message (chat) message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a code_redeemed server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_CodeRedeemed(t *testing.T) {
	payload := CodeRedeemedMsg{
		OK:        true,
		PartnerID: "user-456",
		RoomID:    "user-123_user-456",
	}

	data, err := NewServerMessage(TypeCodeRedeemed, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeCodeRedeemed {
		t.Errorf("expected type %q, got %v", TypeCodeRedeemed, result["type"])
	}
	if result["ok"] != true {
		t.Errorf("expected ok true, got %v", result["ok"])
	}
	if result["partner_id"] != "user-456" {
		t.Errorf("expected partner_id %q, got %v", "user-456", result["partner_id"])
	}
	if result["room_id"] != "user-123_user-456" {
		t.Errorf("expected room_id %q, got %v", "user-123_user-456", result["room_id"])
	}
	if _, present := result["reason"]; present {
		t.Errorf("expected reason to be omitted on success, got %v", result["reason"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected on the client path
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"snapshot","room_id":"a_b"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for a server-only type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity through the server message builder
// ---------------------------------------------------------------------------

func TestRoundTrip_ServerMessage(t *testing.T) {
	original := PairedMsg{
		Type:      TypePaired,
		PartnerID: "user-789",
		RoomID:    "user-123_user-789",
	}

	// Create server message bytes.
	data, err := NewServerMessage(TypePaired, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	// Unmarshal back into the struct.
	var decoded PairedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypePaired {
		t.Errorf("type mismatch: expected %q, got %q", TypePaired, decoded.Type)
	}
	if decoded.PartnerID != original.PartnerID {
		t.Errorf("partner_id mismatch: expected %q, got %q", original.PartnerID, decoded.PartnerID)
	}
	if decoded.RoomID != original.RoomID {
		t.Errorf("room_id mismatch: expected %q, got %q", original.RoomID, decoded.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
/// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"auth", `{"type":"auth","user_id":"u1","display_name":"Alice"}`, TypeAuth},
		{"generate_code", `{"type":"generate_code"}`, TypeGenerateCode},
		{"redeem_code", `{"type":"redeem_code","code":"AB12CD"}`, TypeRedeemCode},
		{"unpair", `{"type":"unpair"}`, TypeUnpair},
		{"request_reconnect", `{"type":"request_reconnect","history_id":"h1"}`, TypeRequestReconnect},
		{"accept_reconnect", `{"type":"accept_reconnect","request_id":"r1"}`, TypeAcceptReconnect},
		{"reject_reconnect", `{"type":"reject_reconnect","request_id":"r1"}`, TypeRejectReconnect},
		{"message", `{"type":"message","text":"hi"}`, TypeMessage},
		{"image", `{"type":"image","image_url":"https://cdn.example.com/a.png"}`, TypeImage},
		{"typing", `{"type":"typing","is_typing":true}`, TypeTyping},
		{"mark_read", `{"type":"mark_read"}`, TypeMarkRead},
		{"delete_message", `{"type":"delete_message","message_id":"m1"}`, TypeDeleteMessage},
		{"favorite", `{"type":"favorite","message_id":"m1"}`, TypeFavorite},
		{"set_privacy", `{"type":"set_privacy","show_online":false,"show_last_seen":true}`, TypeSetPrivacy},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
