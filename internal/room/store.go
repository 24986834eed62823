package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Room is the per-pair chat container record.
type Room struct {
	ID           string
	UserA        string // lexicographically smaller member id
	UserB        string
	LastMessage  string
	LastSenderID string
	LastActivity time.Time
	Active       bool
	CreatedAt    time.Time
}

// Partner returns the other member's id, or "" if userID is not a member.
func (r *Room) Partner(userID string) string {
	switch userID {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return ""
}

// IsParticipant reports whether userID is one of the room's two members.
func (r *Room) IsParticipant(userID string) bool {
	return userID == r.UserA || userID == r.UserB
}

// Store manages room records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a room store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate derives the canonical id for the pair and creates the room
// record if absent. Concurrent callers racing to create the same room all
// succeed and observe a single record.
func (s *Store) GetOrCreate(ctx context.Context, a, b string) (string, error) {
	id := DeriveID(a, b)
	userA, userB := a, b
	if userB < userA {
		userA, userB = userB, userA
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, user_a, user_b, last_message, last_sender_id, last_activity, active, created_at)
		 VALUES ($1, $2, $3, '', '', NOW(), TRUE, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		id, userA, userB)
	if err != nil {
		return "", fmt.Errorf("room: create %s: %w", id, err)
	}
	return id, nil
}

// Get retrieves a room. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, last_message, last_sender_id, last_activity, active, created_at
		 FROM rooms WHERE id = $1`, id).
		Scan(&r.ID, &r.UserA, &r.UserB, &r.LastMessage, &r.LastSenderID,
			&r.LastActivity, &r.Active, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: get %s: %w", id, err)
	}
	return &r, nil
}

// TouchLastMessage updates the room's last-message summary and activity
// timestamp after a successful send.
func (s *Store) TouchLastMessage(ctx context.Context, id, senderID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET last_message = $2, last_sender_id = $3, last_activity = NOW() WHERE id = $1`,
		id, summary, senderID)
	if err != nil {
		return fmt.Errorf("room: touch %s: %w", id, err)
	}
	return nil
}

// SetActive flips the room's active flag. Rooms are never hard-deleted;
// dissolving a pairing only marks the room inactive.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("room: set active %s: %w", id, err)
	}
	return nil
}
