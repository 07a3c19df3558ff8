// Package auth owns login sessions and the login surface: bcrypt
// verification, per-identity rate limiting, session cookies, and the
// middleware the admin API sits behind. Sessions live in Postgres so any
// replica can serve any cookie.
package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/tokens"
)

// sessionIDBytes is the entropy behind a session cookie value.
const sessionIDBytes = 32

// Store persists login sessions.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a session store on the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Create mints a session for the user and returns it with the opaque ID
// the cookie carries.
func (s *Store) Create(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (*domain.Session, error) {
	id, _, err := tokens.Generate(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := s.now()
	sess := &domain.Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IP:        ip,
		UserAgent: userAgent,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt, sess.IP, sess.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get returns a live session, or nil when the ID is unknown or expired.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, nil
	}
	var sess domain.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, expires_at, ip, user_agent
		FROM sessions
		WHERE id = $1 AND expires_at > $2`,
		id, s.now()).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.IP, &sess.UserAgent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// Delete removes one session. Deleting an unknown ID is not an error;
// logout must succeed no matter what the cookie held.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteForUser removes every session of one user, for deactivation.
func (s *Store) DeleteForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for user %d: %w", userID, err)
	}
	return res.RowsAffected()
}

// DeleteExpired removes sessions past their expiry. The worker runs this
// hourly; Get never returns them regardless.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
