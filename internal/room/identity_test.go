package room

import "testing"

func TestDeriveID_OrderIndependent(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"alice", "bob"},
		{"bob", "alice"},
		{"u-001", "u-002"},
		{"9f3c", "1a2b"},
	}

	for _, tt := range tests {
		if DeriveID(tt.a, tt.b) != DeriveID(tt.b, tt.a) {
			t.Errorf("DeriveID(%q, %q) != DeriveID(%q, %q)", tt.a, tt.b, tt.b, tt.a)
		}
	}
}

func TestDeriveID_Deterministic(t *testing.T) {
	want := "alice" + Separator + "bob"
	for i := 0; i < 10; i++ {
		if got := DeriveID("bob", "alice"); got != want {
			t.Fatalf("DeriveID = %q, want %q", got, want)
		}
	}
}

func TestDeriveID_DistinctPairs(t *testing.T) {
	if DeriveID("alice", "bob") == DeriveID("alice", "carol") {
		t.Error("different pairs should derive different room ids")
	}
}

func TestParticipants(t *testing.T) {
	id := DeriveID("bob", "alice")
	a, b, ok := Participants(id)
	if !ok {
		t.Fatalf("Participants(%q) not ok", id)
	}
	if a != "alice" || b != "bob" {
		t.Errorf("Participants = (%q, %q), want (alice, bob)", a, b)
	}

	if _, _, ok := Participants("noseparator"); ok {
		t.Error("malformed id should not parse")
	}
	if _, _, ok := Participants("_trailing"); ok {
		t.Error("empty member should not parse")
	}
}

func TestRoomPartner(t *testing.T) {
	r := &Room{UserA: "alice", UserB: "bob"}

	if got := r.Partner("alice"); got != "bob" {
		t.Errorf("Partner(alice) = %q, want bob", got)
	}
	if got := r.Partner("bob"); got != "alice" {
		t.Errorf("Partner(bob) = %q, want alice", got)
	}
	if got := r.Partner("carol"); got != "" {
		t.Errorf("Partner(carol) = %q, want empty", got)
	}

	if !r.IsParticipant("alice") || !r.IsParticipant("bob") {
		t.Error("members should be participants")
	}
	if r.IsParticipant("carol") {
		t.Error("non-member should not be a participant")
	}
}
