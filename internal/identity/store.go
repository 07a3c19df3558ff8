// Package identity ships credential changes to the downstream identity
// provider ("pandas") that backs range logins. Changes queue durably and a
// worker delivers them at-least-once; the downstream API is idempotent.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
)

// Store owns the identity_sync_queue table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an identity sync store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock (tests).
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// QueueSync upserts one pending change keyed by (user, operation): a later
// change of the same kind supersedes the earlier one and resets its
// delivery state. encPassword is fernet ciphertext, nil for deletes.
func (s *Store) QueueSync(ctx context.Context, userID int64, username string, encPassword *string, op domain.SyncOperation) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrValidation)
	}
	switch op {
	case domain.SyncCreate, domain.SyncUpdate, domain.SyncDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, op)
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_sync_queue
			(user_id, username, password_enc, operation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, operation) DO UPDATE SET
			username = EXCLUDED.username,
			password_enc = EXCLUDED.password_enc,
			synced = FALSE,
			failed = FALSE,
			retry_count = 0,
			last_error = NULL,
			synced_at = NULL,
			updated_at = EXCLUDED.updated_at`,
		userID, username, encPassword, string(op), now)
	if err != nil {
		return fmt.Errorf("queue sync: %w", err)
	}
	return nil
}

const syncColumns = `id, user_id, username, password_enc, operation, synced, failed,
	retry_count, last_error, created_at, updated_at, synced_at`

func scanSyncRow(sc interface{ Scan(...any) error }) (*domain.IdentitySyncRow, error) {
	var r domain.IdentitySyncRow
	err := sc.Scan(&r.ID, &r.UserID, &r.Username, &r.PasswordEnc, &r.Operation,
		&r.Synced, &r.Failed, &r.RetryCount, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt, &r.SyncedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Unsynced returns rows awaiting delivery, oldest first. Rows marked
// failed are excluded; they need operator attention, not retries.
func (s *Store) Unsynced(ctx context.Context, limit int) ([]domain.IdentitySyncRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncColumns+`
		FROM identity_sync_queue
		WHERE NOT synced AND NOT failed
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	var out []domain.IdentitySyncRow
	for rows.Next() {
		r, err := scanSyncRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkSynced records a successful delivery.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE identity_sync_queue
		SET synced = TRUE, synced_at = $2, updated_at = $2, last_error = NULL
		WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure. The row stops retrying until a
// fresh QueueSync resets it.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identity_sync_queue
		SET failed = TRUE, last_error = $2, updated_at = $3
		WHERE id = $1`,
		id, reason, s.now())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkRetry records a transient failure; the row is retried next tick.
func (s *Store) MarkRetry(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identity_sync_queue
		SET retry_count = retry_count + 1, last_error = $2, updated_at = $3
		WHERE id = $1`,
		id, reason, s.now())
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

// Stats returns queue counts by state for the admin surface.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN synced THEN 'synced' WHEN failed THEN 'failed' ELSE 'pending' END AS state,
			COUNT(*)
		FROM identity_sync_queue
		GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("sync stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "synced": 0, "failed": 0}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}
