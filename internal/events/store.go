// Package events persists the yearly exercise events and who is invited
// to them. At most one event is active; activation is a two-row
// transaction, so the constraint lives here and not in the schema.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/rangeops/rangehub/internal/domain"
)

// Auditor records admin actions. Satisfied by *audit.Store.
type Auditor interface {
	MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string)
}

// Store provides event and participation persistence.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	audit Auditor

	// onInvitationDue schedules the debounced invitation sweep after an
	// activation or a test-mode flip. Set by the composition root; nil
	// skips scheduling (tests, cmd/migrate).
	onInvitationDue func(ev *domain.Event)
}

// NewStore creates an event store on the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// SetAudit wires the audit trail for activation and test-mode changes.
func (s *Store) SetAudit(a Auditor) { s.audit = a }

// SetInvitationHook wires the debounced invitation scheduling callback.
func (s *Store) SetInvitationHook(fn func(ev *domain.Event)) { s.onInvitationDue = fn }

const eventColumns = `id, year, slug, name, starts_at, ends_at, registration_open,
	test_mode, is_active, terms_version, terms_body, created_at`

func scanEvent(sc interface{ Scan(...any) error }) (*domain.Event, error) {
	var e domain.Event
	err := sc.Scan(&e.ID, &e.Year, &e.Slug, &e.Name, &e.StartsAt, &e.EndsAt,
		&e.RegistrationOpen, &e.TestMode, &e.IsActive, &e.TermsVersion, &e.TermsBody, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new event. Events are created inactive; activation is
// a separate explicit step.
func (s *Store) Create(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	if ev.Slug == "" || ev.Name == "" {
		return nil, fmt.Errorf("%w: slug and name are required", domain.ErrValidation)
	}
	if ev.Year < 2000 {
		return nil, fmt.Errorf("%w: implausible year %d", domain.ErrValidation, ev.Year)
	}
	if !ev.EndsAt.After(ev.StartsAt) {
		return nil, fmt.Errorf("%w: ends_at must follow starts_at", domain.ErrValidation)
	}

	query := fmt.Sprintf(`
		INSERT INTO events (year, slug, name, starts_at, ends_at, registration_open,
			test_mode, is_active, terms_version, terms_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10)
		RETURNING %s`, eventColumns)

	created, err := scanEvent(s.db.QueryRowContext(ctx, query,
		ev.Year, ev.Slug, ev.Name, ev.StartsAt, ev.EndsAt, ev.RegistrationOpen,
		ev.TestMode, ev.TermsVersion, ev.TermsBody, s.now()))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("slug %q already exists: %w", ev.Slug, domain.ErrConflict)
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return created, nil
}

// GetByID returns one event, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id = $1`, eventColumns)
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, nil
}

// GetBySlug returns the event with the given slug, or nil.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE slug = $1`, eventColumns)
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %q: %w", slug, err)
	}
	return ev, nil
}

// GetActive returns the single active event, or nil when none is active.
func (s *Store) GetActive(ctx context.Context) (*domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE is_active LIMIT 1`, eventColumns)
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active event: %w", err)
	}
	return ev, nil
}

// List returns all events, newest year first.
func (s *Store) List(ctx context.Context) ([]domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events ORDER BY year DESC, id DESC`, eventColumns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields. Activation state and test mode have
// their own transitions and are not touched here.
func (s *Store) Update(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	if !ev.EndsAt.After(ev.StartsAt) {
		return nil, fmt.Errorf("%w: ends_at must follow starts_at", domain.ErrValidation)
	}
	query := fmt.Sprintf(`
		UPDATE events
		SET year = $2, slug = $3, name = $4, starts_at = $5, ends_at = $6,
			registration_open = $7, terms_version = $8, terms_body = $9
		WHERE id = $1
		RETURNING %s`, eventColumns)

	updated, err := scanEvent(s.db.QueryRowContext(ctx, query,
		ev.ID, ev.Year, ev.Slug, ev.Name, ev.StartsAt, ev.EndsAt,
		ev.RegistrationOpen, ev.TermsVersion, ev.TermsBody))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d: %w", ev.ID, domain.ErrNotFound)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("slug %q already exists: %w", ev.Slug, domain.ErrConflict)
		}
		return nil, fmt.Errorf("update event: %w", err)
	}
	return updated, nil
}

// Activate makes eventID the single active event. The deactivate and
// activate steps share one transaction so no reader ever sees two active
// rows. Activation schedules the debounced invitation sweep.
func (s *Store) Activate(ctx context.Context, eventID int64, actorID *int64) (*domain.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE events SET is_active = FALSE WHERE is_active`); err != nil {
		return nil, fmt.Errorf("deactivate events: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE events SET is_active = TRUE WHERE id = $1
		RETURNING %s`, eventColumns)
	ev, err := scanEvent(tx.QueryRowContext(ctx, query, eventID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d: %w", eventID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("activate event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activate: %w", err)
	}

	if s.audit != nil {
		s.audit.MustRecord(ctx, domain.AuditEventActivated, actorID,
			"event:"+strconv.FormatInt(ev.ID, 10),
			map[string]string{"slug": ev.Slug, "test_mode": strconv.FormatBool(ev.TestMode)})
	}
	if s.onInvitationDue != nil {
		s.onInvitationDue(ev)
	}
	return ev, nil
}

// SetTestMode flips the test-mode flag and schedules the debounced
// invitation sweep, so flipping out of test mode invites the full list.
func (s *Store) SetTestMode(ctx context.Context, eventID int64, on bool, actorID *int64) (*domain.Event, error) {
	query := fmt.Sprintf(`
		UPDATE events SET test_mode = $2 WHERE id = $1
		RETURNING %s`, eventColumns)
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, eventID, on))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d: %w", eventID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("set test mode: %w", err)
	}

	if s.audit != nil {
		s.audit.MustRecord(ctx, domain.AuditTestModeToggled, actorID,
			"event:"+strconv.FormatInt(ev.ID, 10),
			map[string]string{"test_mode": strconv.FormatBool(on)})
	}
	if ev.IsActive && s.onInvitationDue != nil {
		s.onInvitationDue(ev)
	}
	return ev, nil
}
