package mailqueue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rangeops/rangehub/internal/domain"
)

// OpenBatchLog inserts the open record for one worker invocation and
// returns its id. The worker closes it with totals when the batch ends.
func (s *Store) OpenBatchLog(ctx context.Context, batchID, workerID, templateFilter string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO email_batch_log (batch_id, worker_id, template_filter, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		batchID, workerID, templateFilter, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open batch log: %w", err)
	}
	return id, nil
}

// CloseBatchLog records the batch totals and duration.
func (s *Store) CloseBatchLog(ctx context.Context, id int64, claimed, sent, failed int, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_batch_log
		SET claimed = $2, sent = $3, failed = $4, finished_at = $5, duration_ms = $6
		WHERE id = $1`,
		id, claimed, sent, failed, s.now(), durationMs)
	if err != nil {
		return fmt.Errorf("close batch log %d: %w", id, err)
	}
	return nil
}

// GetBatchLog returns one batch log row, or nil.
func (s *Store) GetBatchLog(ctx context.Context, id int64) (*domain.BatchLog, error) {
	var (
		b        domain.BatchLog
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, worker_id, template_filter, claimed, sent, failed,
		       started_at, finished_at, duration_ms
		FROM email_batch_log WHERE id = $1`, id).
		Scan(&b.ID, &b.BatchID, &b.WorkerID, &b.TemplateFilter, &b.Claimed,
			&b.Sent, &b.Failed, &b.StartedAt, &finished, &b.DurationMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch log %d: %w", id, err)
	}
	if finished.Valid {
		b.FinishedAt = &finished.Time
	}
	return &b, nil
}

// ListBatchLogs returns the most recent batch logs, newest first.
func (s *Store) ListBatchLogs(ctx context.Context, limit int) ([]domain.BatchLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, worker_id, template_filter, claimed, sent, failed,
		       started_at, finished_at, duration_ms
		FROM email_batch_log
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batch logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.BatchLog
	for rows.Next() {
		var (
			b        domain.BatchLog
			finished sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.BatchID, &b.WorkerID, &b.TemplateFilter,
			&b.Claimed, &b.Sent, &b.Failed, &b.StartedAt, &finished, &b.DurationMs); err != nil {
			return nil, err
		}
		if finished.Valid {
			b.FinishedAt = &finished.Time
		}
		logs = append(logs, b)
	}
	return logs, rows.Err()
}
