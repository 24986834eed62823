package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	// PrimaryLimit is the page size for the indexed primary query.
	PrimaryLimit = 100

	// FallbackLimit is the smaller page size for the degraded query.
	FallbackLimit = 50
)

// ErrIndexBuilding indicates the indexed read path is not available yet
// (the visible_messages view and its composite index are created by a
// follow-up migration that may still be running). Callers fall back to the
// base-table query and retry the primary path later.
var ErrIndexBuilding = errors.New("message: indexed read path not ready")

// Store manages chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a new message with its client-assigned id. Re-inserting
// the same id is a no-op so that a retried send cannot duplicate a message.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
		   (id, room_id, sender_id, sender_name, kind, body, image_url, created_at, delivered, read, deleted, favorited_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), FALSE, FALSE, FALSE, '{}')
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.RoomID, m.SenderID, m.SenderName, m.Kind, m.Text, m.ImageURL)
	if err != nil {
		return fmt.Errorf("message: insert %s: %w", m.ID, err)
	}
	return nil
}

// ListVisible is the primary query: soft-deleted messages are excluded
// server-side via the indexed visible_messages view, newest first, capped at
// PrimaryLimit. Returns ErrIndexBuilding when the view is not yet available.
func (s *Store) ListVisible(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, kind, body, image_url,
		        created_at, delivered, read, favorited_by
		 FROM visible_messages
		 WHERE room_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, roomID, PrimaryLimit)
	if err != nil {
		if isMissingRelation(err) {
			return nil, ErrIndexBuilding
		}
		return nil, fmt.Errorf("message: list visible %s: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Kind,
			&m.Text, &m.ImageURL, &m.CreatedAt, &m.Delivered, &m.Read,
			pq.Array(&m.FavoritedBy)); err != nil {
			return nil, fmt.Errorf("message: scan visible: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListRecent is the fallback query against the base table: newest first,
// capped at FallbackLimit, soft-deleted rows included. Callers filter them
// out with FilterDeleted.
func (s *Store) ListRecent(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, kind, body, image_url,
		        created_at, delivered, read, deleted, favorited_by
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, roomID, FallbackLimit)
	if err != nil {
		return nil, fmt.Errorf("message: list recent %s: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Kind,
			&m.Text, &m.ImageURL, &m.CreatedAt, &m.Delivered, &m.Read, &m.Deleted,
			pq.Array(&m.FavoritedBy)); err != nil {
			return nil, fmt.Errorf("message: scan recent: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkDelivered flips the delivered flag for the given ids.
func (s *Store) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("message: mark delivered: %w", err)
	}
	return nil
}

// MarkRead flips the read flag for every message in the room sent by the
// partner (not by readerID).
func (s *Store) MarkRead(ctx context.Context, roomID, readerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = TRUE
		 WHERE room_id = $1 AND sender_id <> $2 AND NOT read`, roomID, readerID)
	if err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	return nil
}

// SoftDelete marks a message deleted. Only the sender may delete its own
// message; the row is never physically removed.
func (s *Store) SoftDelete(ctx context.Context, id, senderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = TRUE WHERE id = $1 AND sender_id = $2`, id, senderID)
	if err != nil {
		return fmt.Errorf("message: soft delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message: soft delete %s: not found or not sender", id)
	}
	return nil
}

// ToggleFavorite adds or removes userID from the message's favorited-by set.
func (s *Store) ToggleFavorite(ctx context.Context, id, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET favorited_by = CASE
		   WHEN $2 = ANY(favorited_by) THEN array_remove(favorited_by, $2)
		   ELSE array_append(favorited_by, $2)
		 END
		 WHERE id = $1`, id, userID)
	if err != nil {
		return fmt.Errorf("message: toggle favorite %s: %w", id, err)
	}
	return nil
}

// isMissingRelation reports whether err is Postgres "undefined table/object",
// which is how a not-yet-migrated read view surfaces.
func isMissingRelation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01" || pqErr.Code == "42704"
	}
	return false
}
