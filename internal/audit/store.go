// Package audit appends security-relevant actions to the audit_log table.
// Records are best-effort: callers log a write failure and move on rather
// than failing the action that produced it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
)

// Store writes and reads audit entries.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an audit store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock (tests).
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Record appends one entry. actorUserID may be nil for unauthenticated
// actions (failed logins, rejected webhooks).
func (s *Store) Record(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string) error {
	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor_user_id, target, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		action, actorUserID, target, detailsJSON, s.now())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// MustRecord is Record with the failure downgraded to a log line, for
// callers inside request or job paths where audit must not block the
// action itself.
func (s *Store) MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string) {
	if err := s.Record(ctx, action, actorUserID, target, details); err != nil {
		log.Printf("[Audit] Write failed for %s: %v", action, err)
	}
}

// List returns entries newest first, optionally filtered by action.
func (s *Store) List(ctx context.Context, action string, limit, offset int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor_user_id, target, details, created_at
		FROM audit_log
		WHERE ($1 = '' OR action = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`,
		action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorUserID, &e.Target, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
