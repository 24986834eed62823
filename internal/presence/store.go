// Package presence tracks ephemeral per-user state in Redis: the online
// flag with last-seen timestamp, and per-room typing flags. Presence is
// best-effort, latest-write-wins, and carries no ordering guarantee
// relative to message delivery.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// presencePrefix keys the per-user presence hash.
	presencePrefix = "presence:"

	// typingPrefix keys the per-room typing hash (field = user id).
	typingPrefix = "typing:"

	// presenceTTL bounds how long a presence record outlives its last write,
	// so crashed clients eventually read as offline.
	presenceTTL = 5 * time.Minute

	// typingTTL auto-clears a typing flag a client failed to reset.
	typingTTL = 30 * time.Second

	// StalenessThreshold treats an account as offline when its last-seen
	// timestamp is older than this, even if the online flag is still set.
	// Tolerates ungraceful disconnects.
	StalenessThreshold = 90 * time.Second
)

// Store manages presence state in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetOnline marks the user online and refreshes last-seen.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	return s.write(ctx, userID, true)
}

// SetOffline marks the user offline, recording last-seen.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	return s.write(ctx, userID, false)
}

func (s *Store) write(ctx context.Context, userID string, online bool) error {
	key := presencePrefix + userID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"online":    strconv.FormatBool(online),
		"last_seen": time.Now().UnixMilli(),
	})
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: write %s: %w", userID, err)
	}
	return nil
}

// Online returns the raw online flag and last-seen timestamp for a user.
// A missing record reads as offline with a zero timestamp.
func (s *Store) Online(ctx context.Context, userID string) (bool, time.Time, error) {
	key := presencePrefix + userID
	result, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("presence: read %s: %w", userID, err)
	}
	if len(result) == 0 {
		return false, time.Time{}, nil
	}

	online := result["online"] == "true"
	ms, _ := strconv.ParseInt(result["last_seen"], 10, 64)
	return online, time.UnixMilli(ms), nil
}

// IsOnline reports effective online state for a user: the flag combined
// with the staleness check.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, lastSeen, err := s.Online(ctx, userID)
	if err != nil {
		return false, err
	}
	return EffectiveOnline(online, lastSeen, time.Now()), nil
}

// ApplyPrivacy masks a presence announcement with the publisher's visibility
// flags: show_online off always reports offline, show_last_seen off withholds
// the timestamp.
func ApplyPrivacy(online bool, lastSeen int64, showOnline, showLastSeen bool) (bool, int64) {
	if !showOnline {
		online = false
	}
	if !showLastSeen {
		lastSeen = 0
	}
	return online, lastSeen
}

// EffectiveOnline combines the stored flag with a staleness check: a stale
// last-seen overrides a set online flag.
func EffectiveOnline(online bool, lastSeen, now time.Time) bool {
	if !online {
		return false
	}
	return now.Sub(lastSeen) <= StalenessThreshold
}

// SetTyping writes the user's typing flag into the room's typing hash.
func (s *Store) SetTyping(ctx context.Context, roomID, userID string, typing bool) error {
	key := typingPrefix + roomID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, userID, strconv.FormatBool(typing))
	pipe.Expire(ctx, key, typingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set typing %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// IsTyping reports whether the given user's typing flag is set in the room.
func (s *Store) IsTyping(ctx context.Context, roomID, userID string) (bool, error) {
	val, err := s.rdb.HGet(ctx, typingPrefix+roomID, userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: get typing %s/%s: %w", roomID, userID, err)
	}
	return val == "true", nil
}
