// Package mailqueue is the durable outbound email queue: enqueue with
// dedupe, claim-with-lock batching, terminal transitions, and batch logs.
// Rows are owned by exactly one worker between claim and release.
package mailqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/rangeops/rangehub/internal/domain"
)

// DedupeWindow is how long a sent or in-flight (user, template) pair
// suppresses re-enqueue unless the caller forces.
const DedupeWindow = 24 * time.Hour

// Store provides queue persistence. All methods are safe for concurrent
// use; the claim query serializes workers via row locks.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a queue store on the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

const queueColumns = `id, user_id, recipient_email, recipient_name, template_name,
	variables, priority, status, attempts, max_attempts, last_attempt_at,
	last_error, scheduled_for, created_at, sent_at, provider_message_id,
	batch_id, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRow(sc rowScanner) (*domain.EmailQueueRow, error) {
	var (
		r         domain.EmailQueueRow
		varsJSON  []byte
		lastAt    sql.NullTime
		lastErr   sql.NullString
		schedFor  sql.NullTime
		sentAt    sql.NullTime
		messageID sql.NullString
		batchID   sql.NullString
		workerID  sql.NullString
	)
	err := sc.Scan(&r.ID, &r.UserID, &r.RecipientEmail, &r.RecipientName,
		&r.TemplateName, &varsJSON, &r.Priority, &r.Status, &r.Attempts,
		&r.MaxAttempts, &lastAt, &lastErr, &schedFor, &r.CreatedAt,
		&sentAt, &messageID, &batchID, &workerID)
	if err != nil {
		return nil, err
	}

	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &r.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}
	if r.Variables == nil {
		r.Variables = map[string]string{}
	}
	if lastAt.Valid {
		r.LastAttemptAt = &lastAt.Time
	}
	if lastErr.Valid {
		r.LastError = &lastErr.String
	}
	if schedFor.Valid {
		r.ScheduledFor = &schedFor.Time
	}
	if sentAt.Valid {
		r.SentAt = &sentAt.Time
	}
	if messageID.Valid {
		r.ProviderMessageID = &messageID.String
	}
	if batchID.Valid {
		r.BatchID = &batchID.String
	}
	if workerID.Valid {
		r.WorkerID = &workerID.String
	}
	return &r, nil
}

// Enqueue inserts a new pending row, applying the dedupe contract:
//
//  1. An existing pending row for (user, template) is returned unchanged.
//  2. Unless force, a row sent or claimed within the last 24 hours for
//     (user, template) is returned unchanged.
//  3. Otherwise a new pending row is inserted.
//
// The partial unique index on pending (user, template) closes the race
// between step 1's select and step 3's insert: a concurrent loser gets a
// unique violation and returns the winner's row.
func (s *Store) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.EmailQueueRow, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("enqueue: user id required: %w", domain.ErrValidation)
	}
	if req.TemplateName == "" {
		return nil, fmt.Errorf("enqueue: template name required: %w", domain.ErrValidation)
	}
	if req.RecipientEmail == "" {
		return nil, fmt.Errorf("enqueue: recipient email required: %w", domain.ErrValidation)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	if existing, err := s.GetPendingFor(ctx, req.UserID, req.TemplateName); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if !req.Force {
		since := s.now().Add(-DedupeWindow)
		if recent, err := s.GetRecentFor(ctx, req.UserID, req.TemplateName, since); err != nil {
			return nil, err
		} else if recent != nil {
			return recent, nil
		}
	}

	vars := req.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO email_queue (user_id, recipient_email, recipient_name,
			template_name, variables, priority, status, max_attempts,
			scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)
		RETURNING %s`, queueColumns)

	row, err := scanQueueRow(s.db.QueryRowContext(ctx, query,
		req.UserID, req.RecipientEmail, req.RecipientName, req.TemplateName,
		varsJSON, req.Priority, req.MaxAttempts, req.ScheduledFor, s.now()))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Lost the insert race; the winner's pending row is the result.
			if existing, gerr := s.GetPendingFor(ctx, req.UserID, req.TemplateName); gerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert queue row: %w", err)
	}
	return row, nil
}

// ClaimDue atomically claims up to limit due rows for one worker. Due
// means pending, attempts below max, and scheduled_for absent or past.
// Claimed rows move to processing with attempts incremented and carry the
// batch and worker ids. Row locks with SKIP LOCKED give at-most-one
// worker per row; order is (priority ASC, created_at ASC).
func (s *Store) ClaimDue(ctx context.Context, limit int, batchID, workerID, templateFilter string) ([]domain.EmailQueueRow, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM email_queue
			WHERE status = 'pending'
			  AND attempts < max_attempts
			  AND (scheduled_for IS NULL OR scheduled_for <= $1)
			  AND ($2 = '' OR template_name = $2)
			ORDER BY priority ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_queue q
		SET status = 'processing',
		    attempts = q.attempts + 1,
		    last_attempt_at = $1,
		    batch_id = $4,
		    worker_id = $5
		FROM claimed c
		WHERE q.id = c.id
		RETURNING %s`, qualified(queueColumns, "q"))

	rows, err := s.db.QueryContext(ctx, query, s.now(), templateFilter, limit, batchID, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim due rows: %w", err)
	}
	defer rows.Close()

	var claimed []domain.EmailQueueRow
	for rows.Next() {
		r, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		claimed = append(claimed, *r)
	}
	return claimed, rows.Err()
}

// MarkSent records a successful send. Only processing rows transition, so
// a duplicate call after the first is a no-op and the original message id
// is preserved.
func (s *Store) MarkSent(ctx context.Context, id int64, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = $2, provider_message_id = $3, last_error = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, s.now(), messageID)
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Rows that exhausted max_attempts
// become failed (terminal); everything else returns to pending for the
// next tick.
func (s *Store) MarkFailed(ctx context.Context, id int64, sendErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    last_error = $2
		WHERE id = $1 AND status = 'processing'`,
		id, sendErr)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// MarkCancelled terminates a row that should never send (recipient became
// invalid, admin cancel). Sent and failed rows are left untouched.
func (s *Store) MarkCancelled(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'cancelled'
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("mark cancelled %d: %w", id, err)
	}
	return nil
}

// RequeueRow returns a failed or cancelled row to pending for a fresh
// round of attempts. Attempts reset to zero and the schedule clears, so
// the next batch picks it up immediately. Unknown rows are ErrNotFound;
// rows in any other state are ErrConflict.
func (s *Store) RequeueRow(ctx context.Context, id int64) (*domain.EmailQueueRow, error) {
	query := fmt.Sprintf(`
		UPDATE email_queue
		SET status = 'pending', attempts = 0, last_error = NULL,
		    scheduled_for = NULL, batch_id = NULL, worker_id = NULL
		WHERE id = $1 AND status IN ('failed', 'cancelled')
		RETURNING %s`, queueColumns)

	row, err := scanQueueRow(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		existing, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, fmt.Errorf("queue row %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: row %d is %s, only failed or cancelled rows requeue",
			domain.ErrConflict, id, existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue row %d: %w", id, err)
	}
	return row, nil
}

// ListRows returns queue rows for the admin browse, newest first.
// An empty statuses slice means no filter.
func (s *Store) ListRows(ctx context.Context, statuses []domain.QueueStatus, limit, offset int) ([]domain.EmailQueueRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM email_queue
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`, queueColumns)
	args := []interface{}{limit, offset}

	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query = fmt.Sprintf(`
		SELECT %s FROM email_queue
		WHERE status = ANY($1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, queueColumns)
		args = []interface{}{pq.Array(names), limit, offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue rows: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailQueueRow
	for rows.Next() {
		r, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetPendingFor returns the pending row for (user, template), or nil.
func (s *Store) GetPendingFor(ctx context.Context, userID int64, templateName string) (*domain.EmailQueueRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_queue
		WHERE user_id = $1 AND template_name = $2 AND status = 'pending'
		LIMIT 1`, queueColumns)

	row, err := scanQueueRow(s.db.QueryRowContext(ctx, query, userID, templateName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending row: %w", err)
	}
	return row, nil
}

// GetRecentFor returns the newest sent or processing row for
// (user, template) created at or after since, or nil.
func (s *Store) GetRecentFor(ctx context.Context, userID int64, templateName string, since time.Time) (*domain.EmailQueueRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_queue
		WHERE user_id = $1 AND template_name = $2
		  AND status IN ('sent', 'processing')
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`, queueColumns)

	row, err := scanQueueRow(s.db.QueryRowContext(ctx, query, userID, templateName, since))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recent row: %w", err)
	}
	return row, nil
}

// GetByID returns one queue row, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*domain.EmailQueueRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM email_queue WHERE id = $1`, queueColumns)
	row, err := scanQueueRow(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue row %d: %w", id, err)
	}
	return row, nil
}

// Stats returns row counts by status for observability.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RequeueStuck returns processing rows older than cutoff to pending.
// These are rows whose worker died between claim and terminal transition;
// attempts stay as-is because the claim already counted the attempt.
func (s *Store) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending', batch_id = NULL, worker_id = NULL
		WHERE status = 'processing' AND last_attempt_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck rows: %w", err)
	}
	return res.RowsAffected()
}

// FailExhausted marks pending rows that already used up their attempts as
// failed. Normally MarkFailed handles the terminal transition; this sweep
// catches rows that slipped through a crash between claim and mark.
func (s *Store) FailExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', last_error = COALESCE(last_error, 'retries exhausted')
		WHERE status = 'pending' AND attempts >= max_attempts`)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted rows: %w", err)
	}
	return res.RowsAffected()
}

// qualified prefixes each column in a comma-separated list with an alias.
func qualified(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
