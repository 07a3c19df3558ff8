package events

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rangeops/rangehub/internal/domain"
)

// ListInvitationCandidates returns active users the invitation sweep still
// owes an invite for the event: no participation row yet, or one whose
// invite_sent_at is null. Bounced, complained, and unsubscribed addresses
// never qualify. sponsorOnly narrows the pool to sponsors (test mode).
func (s *Store) ListInvitationCandidates(ctx context.Context, eventID int64, sponsorOnly bool, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.normalized_email, u.display_name, u.role, u.sponsor_id,
			u.email_status, u.is_active, u.created_at
		FROM users u
		LEFT JOIN event_participations p ON p.user_id = u.id AND p.event_id = $1
		WHERE u.is_active
			AND u.email_status = 'OK'
			AND (
				($2 AND u.role = 'sponsor')
				OR (NOT $2 AND u.role IN ('sponsor', 'invitee'))
			)
			AND (p.id IS NULL OR p.invite_sent_at IS NULL)
		ORDER BY u.id ASC
		LIMIT $3`, eventID, sponsorOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list invitation candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		var sponsor sql.NullInt64
		err := rows.Scan(&u.ID, &u.Email, &u.NormalizedEmail, &u.DisplayName, &u.Role,
			&sponsor, &u.EmailStatus, &u.IsActive, &u.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if sponsor.Valid {
			u.SponsorID = &sponsor.Int64
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
