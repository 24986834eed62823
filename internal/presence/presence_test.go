package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes []bool
}

func (w *recordingWriter) SetTyping(ctx context.Context, roomID, userID string, typing bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, typing)
	return nil
}

func (w *recordingWriter) snapshot() []bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]bool, len(w.writes))
	copy(out, w.writes)
	return out
}

func TestDebounce_BurstCollapsesToTwoWrites(t *testing.T) {
	w := &recordingWriter{}
	c := NewCoordinator(w, "room1", "alice", 30*time.Millisecond)
	ctx := context.Background()

	// A burst of keystrokes within the idle window.
	for i := 0; i < 20; i++ {
		c.UpdateTyping(ctx, true)
		time.Sleep(time.Millisecond)
	}

	// Let the idle window expire.
	time.Sleep(100 * time.Millisecond)

	got := w.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("burst should produce exactly [true false], got %v", got)
	}
}

func TestDebounce_FlushClearsImmediately(t *testing.T) {
	w := &recordingWriter{}
	c := NewCoordinator(w, "room1", "alice", time.Hour) // idle never fires
	ctx := context.Background()

	c.UpdateTyping(ctx, true)
	c.Flush(ctx)

	got := w.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("flush should clear immediately, got %v", got)
	}

	// Redundant flushes write nothing further.
	c.Flush(ctx)
	if got := w.snapshot(); len(got) != 2 {
		t.Fatalf("redundant flush wrote extra: %v", got)
	}
}

func TestDebounce_StopWithoutStartIsNoop(t *testing.T) {
	w := &recordingWriter{}
	c := NewCoordinator(w, "room1", "alice", 10*time.Millisecond)

	c.UpdateTyping(context.Background(), false)
	if got := w.snapshot(); len(got) != 0 {
		t.Fatalf("stop without start should write nothing, got %v", got)
	}
}

func TestDebounce_SecondBurstAfterIdle(t *testing.T) {
	w := &recordingWriter{}
	c := NewCoordinator(w, "room1", "alice", 20*time.Millisecond)
	ctx := context.Background()

	c.UpdateTyping(ctx, true)
	time.Sleep(60 * time.Millisecond) // idle expiry clears
	c.UpdateTyping(ctx, true)
	time.Sleep(60 * time.Millisecond)

	got := w.snapshot()
	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("two separated bursts should produce %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %v, want %v (%v)", i, got[i], want[i], got)
		}
	}
}

func TestApplyPrivacy(t *testing.T) {
	const ts = int64(1700000000000)

	tests := []struct {
		name         string
		online       bool
		showOnline   bool
		showLastSeen bool
		wantOnline   bool
		wantLastSeen int64
	}{
		{"both visible", true, true, true, true, ts},
		{"online hidden", true, false, true, false, ts},
		{"last seen hidden", true, true, false, true, 0},
		{"both hidden", true, false, false, false, 0},
		{"offline stays offline", false, true, true, false, ts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			online, lastSeen := ApplyPrivacy(tt.online, ts, tt.showOnline, tt.showLastSeen)
			if online != tt.wantOnline || lastSeen != tt.wantLastSeen {
				t.Errorf("ApplyPrivacy = (%v, %d), want (%v, %d)",
					online, lastSeen, tt.wantOnline, tt.wantLastSeen)
			}
		})
	}
}

func TestEffectiveOnline(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		online   bool
		lastSeen time.Time
		want     bool
	}{
		{"online and fresh", true, now.Add(-time.Second), true},
		{"online but stale", true, now.Add(-StalenessThreshold - time.Second), false},
		{"online at threshold", true, now.Add(-StalenessThreshold), true},
		{"offline flag wins", false, now, false},
		{"offline and stale", false, now.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveOnline(tt.online, tt.lastSeen, now); got != tt.want {
				t.Errorf("EffectiveOnline = %v, want %v", got, tt.want)
			}
		})
	}
}
