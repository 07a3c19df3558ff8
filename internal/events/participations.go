package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/tokens"
)

// Confirmation codes ride in invitation links, so they are long enough
// that guessing one is hopeless.
const confirmationCodeBytes = 16

const participationColumns = `id, user_id, event_id, status, confirmation_code,
	invite_sent_at, confirmed_at, reminder_1_sent_at, reminder_2_sent_at,
	reminder_3_sent_at, created_at`

func scanParticipation(sc interface{ Scan(...any) error }) (*domain.EventParticipation, error) {
	var p domain.EventParticipation
	err := sc.Scan(&p.ID, &p.UserID, &p.EventID, &p.Status, &p.ConfirmationCode,
		&p.InviteSentAt, &p.ConfirmedAt, &p.Reminder1SentAt, &p.Reminder2SentAt,
		&p.Reminder3SentAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureParticipation returns the (user, event) participation row,
// creating it as invited with a fresh confirmation code when missing.
// The second return reports whether the row was created by this call.
func (s *Store) EnsureParticipation(ctx context.Context, userID, eventID int64) (*domain.EventParticipation, bool, error) {
	code, _, err := tokens.Generate(confirmationCodeBytes)
	if err != nil {
		return nil, false, fmt.Errorf("confirmation code: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO event_participations (user_id, event_id, status, confirmation_code, created_at)
		VALUES ($1, $2, 'invited', $3, $4)
		ON CONFLICT (user_id, event_id) DO NOTHING
		RETURNING %s`, participationColumns)

	p, err := scanParticipation(s.db.QueryRowContext(ctx, query, userID, eventID, code, s.now()))
	if err == nil {
		return p, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("ensure participation: %w", err)
	}

	// Lost the insert to an existing row; return it.
	existing, err := s.GetParticipation(ctx, userID, eventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("participation vanished for user %d event %d", userID, eventID)
	}
	return existing, false, nil
}

// GetParticipation returns the row for (user, event), or nil.
func (s *Store) GetParticipation(ctx context.Context, userID, eventID int64) (*domain.EventParticipation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM event_participations WHERE user_id = $1 AND event_id = $2`,
		participationColumns)
	p, err := scanParticipation(s.db.QueryRowContext(ctx, query, userID, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participation: %w", err)
	}
	return p, nil
}

// GetByConfirmationCode resolves an invitation-link code, or nil.
func (s *Store) GetByConfirmationCode(ctx context.Context, code string) (*domain.EventParticipation, error) {
	if code == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM event_participations WHERE confirmation_code = $1`,
		participationColumns)
	p, err := scanParticipation(s.db.QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participation by code: %w", err)
	}
	return p, nil
}

// ListParticipations returns rows for an event, optionally filtered by
// status, oldest first.
func (s *Store) ListParticipations(ctx context.Context, eventID int64, status domain.ParticipationStatus, limit, offset int) ([]domain.EventParticipation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM event_participations
		WHERE event_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY id ASC
		LIMIT $3 OFFSET $4`, participationColumns)

	rows, err := s.db.QueryContext(ctx, query, eventID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	defer rows.Close()

	var out []domain.EventParticipation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkInviteSent stamps invite_sent_at once. Re-stamping is a no-op so
// an invitation sweep crashing after the enqueue cannot double-stamp.
func (s *Store) MarkInviteSent(ctx context.Context, participationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_participations
		SET invite_sent_at = $2
		WHERE id = $1 AND invite_sent_at IS NULL`,
		participationID, s.now())
	if err != nil {
		return fmt.Errorf("mark invite sent: %w", err)
	}
	return nil
}

// StampReminder stamps the given reminder stage column once. The stamp is
// what makes each stage fire at most once per participation.
func (s *Store) StampReminder(ctx context.Context, participationID int64, stage int) error {
	if stage < 1 || stage > 3 {
		return fmt.Errorf("%w: reminder stage %d", domain.ErrValidation, stage)
	}
	col := fmt.Sprintf("reminder_%d_sent_at", stage)
	query := fmt.Sprintf(`
		UPDATE event_participations
		SET %s = $2
		WHERE id = $1 AND %s IS NULL`, col, col)
	_, err := s.db.ExecContext(ctx, query, participationID, s.now())
	if err != nil {
		return fmt.Errorf("stamp reminder %d: %w", stage, err)
	}
	return nil
}

// Decline marks the participation declined. Declining twice is a no-op;
// declining after confirmation is rejected, the account already exists.
func (s *Store) Decline(ctx context.Context, code string) (*domain.EventParticipation, error) {
	p, err := s.GetByConfirmationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("confirmation code: %w", domain.ErrNotFound)
	}
	switch p.Status {
	case domain.ParticipationDeclined:
		return p, nil
	case domain.ParticipationConfirmed:
		return nil, fmt.Errorf("%w: participation already confirmed", domain.ErrConflict)
	}

	query := fmt.Sprintf(`
		UPDATE event_participations SET status = 'declined' WHERE id = $1
		RETURNING %s`, participationColumns)
	updated, err := scanParticipation(s.db.QueryRowContext(ctx, query, p.ID))
	if err != nil {
		return nil, fmt.Errorf("decline participation: %w", err)
	}
	return updated, nil
}

// ListReminderDue returns invited participations whose stage column is
// still null and whose invite is at least as old as invitedBefore. The
// event-level day gates are the caller's to apply; they do not vary per
// row.
func (s *Store) ListReminderDue(ctx context.Context, eventID int64, stage int, invitedBefore time.Time, limit int) ([]domain.EventParticipation, error) {
	if stage < 1 || stage > 3 {
		return nil, fmt.Errorf("%w: reminder stage %d", domain.ErrValidation, stage)
	}
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`
		SELECT %s FROM event_participations
		WHERE event_id = $1
			AND status = 'invited'
			AND invite_sent_at IS NOT NULL
			AND invite_sent_at <= $2
			AND reminder_%d_sent_at IS NULL
		ORDER BY id ASC
		LIMIT $3`, participationColumns, stage)

	rows, err := s.db.QueryContext(ctx, query, eventID, invitedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list reminder due (stage %d): %w", stage, err)
	}
	defer rows.Close()

	var out []domain.EventParticipation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ParticipationStats returns per-status counts for an event.
func (s *Store) ParticipationStats(ctx context.Context, eventID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM event_participations
		WHERE event_id = $1
		GROUP BY status`, eventID)
	if err != nil {
		return nil, fmt.Errorf("participation stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
