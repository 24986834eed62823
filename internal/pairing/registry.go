package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Failure reasons returned to callers for display. Conflicts are result
// values, not errors: only backend failures surface as errors.
const (
	ReasonAlreadyConnected = "already_connected"
	ReasonSelfRedemption   = "self_redemption"
	ReasonCodeNotFound     = "code_not_found"
	ReasonCodeUsed         = "code_used"
	ReasonBadFormat        = "bad_format"
)

// ErrUnauthenticated is returned when the acting account does not exist.
var ErrUnauthenticated = errors.New("pairing: not signed in")

// ErrRequestNotPending is returned when accepting or rejecting a
// reconnection request that is no longer in the pending state.
var ErrRequestNotPending = errors.New("pairing: request is not pending")

// RedemptionResult is the outcome of a code redemption attempt.
type RedemptionResult struct {
	OK        bool
	Reason    string // one of the Reason* constants when !OK
	PartnerID string // set when OK
}

// HistoryEntry is an immutable record of a past pairing, owned by one side.
type HistoryEntry struct {
	ID            string
	OwnerID       string
	PartnerID     string
	PartnerName   string
	Code          string
	ConnectedAt   time.Time
	EndedAt       sql.NullTime
	Active        bool
	Reconnectable bool
}

// ReconnectionRequest is a pending offer from one former partner to another.
type ReconnectionRequest struct {
	ID          string
	RequesterID string
	TargetID    string
	HistoryID   string
	Status      string // pending | accepted | rejected
	CreatedAt   time.Time
}

// Registry manages pairing codes, the connection history ledger, and
// reconnection requests in PostgreSQL.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a pairing registry backed by the given database handle.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// GenerateCode creates a fresh pairing code for ownerID and invalidates any
// prior unused code in the same transaction, so at most one unused code
// exists per owner. Returns ErrUnauthenticated if the account is unknown.
func (r *Registry) GenerateCode(ctx context.Context, ownerID string) (string, error) {
	code, err := NewCode()
	if err != nil {
		return "", err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("pairing: begin generate: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, ownerID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("pairing: check owner: %w", err)
	}
	if !exists {
		return "", ErrUnauthenticated
	}

	// Regeneration invalidates the previous unused code.
	if _, err := tx.ExecContext(ctx,
		`UPDATE pairing_codes SET used = TRUE WHERE owner_id = $1 AND NOT used`, ownerID); err != nil {
		return "", fmt.Errorf("pairing: invalidate prior code: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pairing_codes (code, owner_id, used, created_at) VALUES ($1, $2, FALSE, NOW())`,
		code, ownerID); err != nil {
		return "", fmt.Errorf("pairing: insert code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("pairing: commit generate: %w", err)
	}
	return code, nil
}

// RedeemCode consumes a pairing code on behalf of redeemerID. Input is
// normalized (whitespace/separators stripped, upper-cased) before lookup.
// On success both accounts' partner pointers and connected flags are set in
// a single transaction together with the code's used flag, so concurrent
// redemptions of the same code resolve to exactly one winner.
func (r *Registry) RedeemCode(ctx context.Context, raw, redeemerID string) (RedemptionResult, error) {
	code := CleanCode(raw)
	if !ValidFormat(code) {
		return RedemptionResult{Reason: ReasonBadFormat}, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: begin redeem: %w", err)
	}
	defer tx.Rollback()

	// Lock the code row first; the loser of a concurrent redemption blocks
	// here and then observes used=TRUE.
	var ownerID string
	var used bool
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, used FROM pairing_codes WHERE code = $1 FOR UPDATE`, code).
		Scan(&ownerID, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return RedemptionResult{Reason: ReasonCodeNotFound}, nil
	}
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: lookup code: %w", err)
	}
	if used {
		return RedemptionResult{Reason: ReasonCodeUsed}, nil
	}
	if ownerID == redeemerID {
		return RedemptionResult{Reason: ReasonSelfRedemption}, nil
	}

	ok, reason, err := pairAccountsTx(ctx, tx, ownerID, redeemerID)
	if err != nil {
		return RedemptionResult{}, err
	}
	if !ok {
		return RedemptionResult{Reason: reason}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pairing_codes SET used = TRUE WHERE code = $1`, code); err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: mark code used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: commit redeem: %w", err)
	}
	return RedemptionResult{OK: true, PartnerID: ownerID}, nil
}

// pairAccountsTx links two accounts inside an open transaction. Rows are
// locked in sorted id order so two redemptions touching the same accounts
// cannot deadlock. Returns ok=false with a reason when either side is
// already connected.
func pairAccountsTx(ctx context.Context, tx *sql.Tx, a, b string) (bool, string, error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	for _, id := range []string{first, second} {
		var partner sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT partner_id FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&partner)
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", ErrUnauthenticated
		}
		if err != nil {
			return false, "", fmt.Errorf("pairing: lock account %s: %w", id, err)
		}
		if partner.Valid && partner.String != "" {
			return false, ReasonAlreadyConnected, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET partner_id = $2, connected = TRUE, paired_at = NOW() WHERE id = $1`, a, b); err != nil {
		return false, "", fmt.Errorf("pairing: link account %s: %w", a, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET partner_id = $2, connected = TRUE, paired_at = NOW() WHERE id = $1`, b, a); err != nil {
		return false, "", fmt.Errorf("pairing: link account %s: %w", b, err)
	}
	return true, "", nil
}

// Unpair dissolves the caller's current pairing. Both accounts are unlinked
// in one transaction and a history entry is written for each side so the
// pairing can later be restored through a reconnection request.
func (r *Registry) Unpair(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pairing: begin unpair: %w", err)
	}
	defer tx.Rollback()

	// Read the partner pointer without a lock, then lock both rows in sorted
	// id order and re-verify, so two concurrent unpairs cannot deadlock.
	var partner sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT partner_id FROM accounts WHERE id = $1`, userID).Scan(&partner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnauthenticated
	}
	if err != nil {
		return fmt.Errorf("pairing: read account: %w", err)
	}
	if !partner.Valid || partner.String == "" {
		return nil // nothing to dissolve
	}
	partnerID := partner.String

	first, second := userID, partnerID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := tx.ExecContext(ctx,
			`SELECT 1 FROM accounts WHERE id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("pairing: lock account %s: %w", id, err)
		}
	}
	err = tx.QueryRowContext(ctx,
		`SELECT partner_id FROM accounts WHERE id = $1`, userID).Scan(&partner)
	if err != nil {
		return fmt.Errorf("pairing: re-read account: %w", err)
	}
	if !partner.Valid || partner.String != partnerID {
		return nil // dissolved concurrently
	}

	for _, pair := range [][2]string{{userID, partnerID}, {partnerID, userID}} {
		var partnerName sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT display_name FROM accounts WHERE id = $1`, pair[1]).Scan(&partnerName); err != nil {
			return fmt.Errorf("pairing: read partner name: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO connection_history
			   (id, owner_id, partner_id, partner_name, code, connected_at, ended_at, active, reconnectable, deleted)
			 SELECT $1, $2, $3, $4, COALESCE(
			     (SELECT code FROM pairing_codes WHERE owner_id IN ($2, $3) AND used ORDER BY created_at DESC LIMIT 1), ''),
			   a.paired_at, NOW(), FALSE, TRUE, FALSE
			 FROM accounts a WHERE a.id = $2`,
			uuid.New().String(), pair[0], pair[1], partnerName.String); err != nil {
			return fmt.Errorf("pairing: write history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET partner_id = NULL, connected = FALSE WHERE id IN ($1, $2)`,
		userID, partnerID); err != nil {
		return fmt.Errorf("pairing: unlink accounts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pairing: commit unpair: %w", err)
	}
	return nil
}

// History returns the caller's connection history, newest first, excluding
// soft-deleted entries.
func (r *Registry) History(ctx context.Context, ownerID string) ([]HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, partner_id, partner_name, code, connected_at, ended_at, active, reconnectable
		 FROM connection_history
		 WHERE owner_id = $1 AND NOT deleted
		 ORDER BY connected_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("pairing: list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.PartnerID, &e.PartnerName, &e.Code,
			&e.ConnectedAt, &e.EndedAt, &e.Active, &e.Reconnectable); err != nil {
			return nil, fmt.Errorf("pairing: scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteHistoryEntry soft-deletes a history entry. Only the owning account
// may delete its own entries; the record itself is immutable otherwise.
func (r *Registry) DeleteHistoryEntry(ctx context.Context, ownerID, entryID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connection_history SET deleted = TRUE WHERE id = $1 AND owner_id = $2`,
		entryID, ownerID)
	if err != nil {
		return fmt.Errorf("pairing: delete history entry: %w", err)
	}
	return nil
}

// RequestReconnection creates a pending reconnection request toward a former
// partner. Idempotent per (target, history entry): repeated calls do not
// create duplicates.
func (r *Registry) RequestReconnection(ctx context.Context, targetID, historyID, requesterID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reconnection_requests (id, requester_id, target_id, history_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', NOW(), NOW())
		 ON CONFLICT (target_id, history_id) DO NOTHING`,
		uuid.New().String(), requesterID, targetID, historyID)
	if err != nil {
		return fmt.Errorf("pairing: request reconnection: %w", err)
	}
	return nil
}

// PendingRequests lists reconnection requests awaiting a decision by targetID.
func (r *Registry) PendingRequests(ctx context.Context, targetID string) ([]ReconnectionRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, requester_id, target_id, history_id, status, created_at
		 FROM reconnection_requests
		 WHERE target_id = $1 AND status = 'pending'
		 ORDER BY created_at DESC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("pairing: list requests: %w", err)
	}
	defer rows.Close()

	var reqs []ReconnectionRequest
	for rows.Next() {
		var q ReconnectionRequest
		if err := rows.Scan(&q.ID, &q.RequesterID, &q.TargetID, &q.HistoryID, &q.Status, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("pairing: scan request: %w", err)
		}
		reqs = append(reqs, q)
	}
	return reqs, rows.Err()
}

// AcceptReconnection re-runs the atomic pairing transaction for the two
// former partners, marks the request accepted and the referenced history
// entry active again. The prior room is restored implicitly because room
// ids derive deterministically from the two account ids.
func (r *Registry) AcceptReconnection(ctx context.Context, requestID string) (RedemptionResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: begin accept: %w", err)
	}
	defer tx.Rollback()

	var requesterID, targetID, historyID, status string
	err = tx.QueryRowContext(ctx,
		`SELECT requester_id, target_id, history_id, status
		 FROM reconnection_requests WHERE id = $1 FOR UPDATE`, requestID).
		Scan(&requesterID, &targetID, &historyID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return RedemptionResult{}, ErrRequestNotPending
	}
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: lookup request: %w", err)
	}
	if status != "pending" {
		return RedemptionResult{}, ErrRequestNotPending
	}

	ok, reason, err := pairAccountsTx(ctx, tx, requesterID, targetID)
	if err != nil {
		return RedemptionResult{}, err
	}
	if !ok {
		return RedemptionResult{Reason: reason}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reconnection_requests SET status = 'accepted', updated_at = NOW() WHERE id = $1`,
		requestID); err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: mark accepted: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE connection_history SET active = TRUE
		 WHERE id = $1 OR (owner_id = $2 AND partner_id = $3 AND reconnectable)`,
		historyID, requesterID, targetID); err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: reactivate history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RedemptionResult{}, fmt.Errorf("pairing: commit accept: %w", err)
	}
	return RedemptionResult{OK: true, PartnerID: requesterID}, nil
}

// RejectReconnection moves a pending request to its terminal rejected state.
func (r *Registry) RejectReconnection(ctx context.Context, requestID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reconnection_requests SET status = 'rejected', updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, requestID)
	if err != nil {
		return fmt.Errorf("pairing: reject request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRequestNotPending
	}
	return nil
}
