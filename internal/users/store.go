// Package users persists accounts and their provider feedback status.
// The normalized email is the unique identity key; credential material
// is stored only as bcrypt hashes or fernet ciphertext.
package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rangeops/rangehub/internal/domain"
)

// Store provides user persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a user store on the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

const userColumns = `id, email, normalized_email, display_name, role, sponsor_id,
	password_hash, pandas_username, pandas_password_enc, email_status,
	is_active, created_at`

func scanUser(sc interface{ Scan(...any) error }) (*domain.User, error) {
	var (
		u        domain.User
		sponsor  sql.NullInt64
		pwHash   sql.NullString
		pUser    sql.NullString
		pPassEnc sql.NullString
	)
	err := sc.Scan(&u.ID, &u.Email, &u.NormalizedEmail, &u.DisplayName, &u.Role,
		&sponsor, &pwHash, &pUser, &pPassEnc, &u.EmailStatus, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sponsor.Valid {
		u.SponsorID = &sponsor.Int64
	}
	if pwHash.Valid {
		u.PasswordHash = &pwHash.String
	}
	if pUser.Valid {
		u.PandasUsername = &pUser.String
	}
	if pPassEnc.Valid {
		u.PandasPasswordEnc = &pPassEnc.String
	}
	return &u, nil
}

// Create inserts a new user. The email is normalized here; a duplicate
// normalized email returns domain.ErrConflict.
func (s *Store) Create(ctx context.Context, email, displayName string, role domain.Role, sponsorID *int64) (*domain.User, error) {
	if email == "" {
		return nil, fmt.Errorf("create user: email required: %w", domain.ErrValidation)
	}
	switch role {
	case domain.RoleAdmin, domain.RoleSponsor, domain.RoleInvitee:
	default:
		return nil, fmt.Errorf("create user: unknown role %q: %w", role, domain.ErrValidation)
	}

	query := fmt.Sprintf(`
		INSERT INTO users (email, normalized_email, display_name, role, sponsor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, userColumns)

	u, err := scanUser(s.db.QueryRowContext(ctx, query,
		email, NormalizeEmail(email), displayName, role, sponsorID, s.now()))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("email already registered: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns one user, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetByEmail looks a user up by any spelling of their address.
func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE normalized_email = $1`, userColumns)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// List returns users filtered by role (empty role = all), newest first.
func (s *Store) List(ctx context.Context, role domain.Role, limit, offset int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM users
		WHERE ($1 = '' OR role = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userColumns)

	rows, err := s.db.QueryContext(ctx, query, string(role), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UpdateEmailStatus flips the provider feedback status for every account
// sharing the normalized address and returns the affected row count.
func (s *Store) UpdateEmailStatus(ctx context.Context, email string, status domain.EmailStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_status = $2 WHERE normalized_email = $1`,
		NormalizeEmail(email), status)
	if err != nil {
		return 0, fmt.Errorf("update email status: %w", err)
	}
	return res.RowsAffected()
}

// SetPandasCredentials stores the downstream account name and encrypted
// credential minted at confirmation time.
func (s *Store) SetPandasCredentials(ctx context.Context, userID int64, username, encPassword string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET pandas_username = $2, pandas_password_enc = $3 WHERE id = $1`,
		userID, username, encPassword)
	if err != nil {
		return fmt.Errorf("set pandas credentials: %w", err)
	}
	return nil
}

// SetPasswordHash stores a new local-auth bcrypt hash.
func (s *Store) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	return nil
}

// SetRole changes a user's role. Role changes are always explicit.
func (s *Store) SetRole(ctx context.Context, userID int64, role domain.Role) error {
	switch role {
	case domain.RoleAdmin, domain.RoleSponsor, domain.RoleInvitee:
	default:
		return fmt.Errorf("unknown role %q: %w", role, domain.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`, userID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

// Deactivate soft-disables an account. The core never physically deletes
// users; history and audit rows keep their references.
func (s *Store) Deactivate(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = FALSE WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

// PandasUsernameExists reports whether a downstream username is taken.
func (s *Store) PandasUsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE pandas_username = $1)`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pandas username: %w", err)
	}
	return exists, nil
}
