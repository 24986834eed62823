// Package account provides PostgreSQL-backed storage for account records:
// identity, partner linkage, push delivery token, and privacy flags.
// Partner fields are only ever mutated by the pairing registry's
// transactions; this store never writes them directly.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account is an authenticated identity and its pairing state.
type Account struct {
	ID           string
	DisplayName  string
	AvatarURL    string
	PartnerID    string // empty when unpaired
	Connected    bool
	PushToken    string
	ShowOnline   bool
	ShowLastSeen bool
	PairedAt     sql.NullTime
	CreatedAt    time.Time
}

// Store manages account records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an account store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert creates the account on first sign-in or refreshes its display
// metadata on subsequent sign-ins. Pairing fields are left untouched.
func (s *Store) Upsert(ctx context.Context, id, displayName, avatarURL string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, display_name, avatar_url, connected, show_online, show_last_seen, created_at)
		 VALUES ($1, $2, $3, FALSE, TRUE, TRUE, NOW())
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`,
		id, displayName, avatarURL)
	if err != nil {
		return fmt.Errorf("account: upsert %s: %w", id, err)
	}
	return nil
}

// Get retrieves an account. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	var (
		a       Account
		partner sql.NullString
		avatar  sql.NullString
		token   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_url, partner_id, connected, push_token,
		        show_online, show_last_seen, paired_at, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.DisplayName, &avatar, &partner, &a.Connected, &token,
			&a.ShowOnline, &a.ShowLastSeen, &a.PairedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: get %s: %w", id, err)
	}
	a.AvatarURL = avatar.String
	a.PartnerID = partner.String
	a.PushToken = token.String
	return &a, nil
}

// SetPushToken stores the push-delivery token registered by the client.
func (s *Store) SetPushToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET push_token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return fmt.Errorf("account: set push token: %w", err)
	}
	return nil
}

// SetPrivacy updates the presence-visibility flags.
func (s *Store) SetPrivacy(ctx context.Context, id string, showOnline, showLastSeen bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET show_online = $2, show_last_seen = $3 WHERE id = $1`,
		id, showOnline, showLastSeen)
	if err != nil {
		return fmt.Errorf("account: set privacy: %w", err)
	}
	return nil
}

// Delete removes an account. Pairing state referencing it is dissolved by
// the caller through the pairing registry before deletion.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("account: delete %s: %w", id, err)
	}
	return nil
}
