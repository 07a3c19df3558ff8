package mailqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rangeops/rangehub/internal/domain"
)

const workflowColumns = `id, trigger_event, template_name, priority, delay_minutes,
	default_variables, enabled, is_system, created_at`

func scanWorkflow(sc rowScanner) (*domain.EmailWorkflow, error) {
	var w domain.EmailWorkflow
	var defaults []byte
	err := sc.Scan(&w.ID, &w.TriggerEvent, &w.TemplateName, &w.Priority, &w.DelayMinutes,
		&defaults, &w.Enabled, &w.IsSystem, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &w.DefaultVariables); err != nil {
			return nil, fmt.Errorf("decode workflow defaults: %w", err)
		}
	}
	return &w, nil
}

// GetWorkflowsByTrigger returns enabled workflows for a trigger event,
// lowest priority value first. An unknown trigger returns an empty slice.
func (s *Store) GetWorkflowsByTrigger(ctx context.Context, triggerEvent string) ([]domain.EmailWorkflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM email_workflows
		WHERE trigger_event = $1 AND enabled = TRUE
		ORDER BY priority ASC, id ASC`,
		triggerEvent)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailWorkflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// GetWorkflow returns one workflow by id, or nil when absent.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*domain.EmailWorkflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM email_workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ListWorkflows returns all workflows ordered by trigger then priority.
func (s *Store) ListWorkflows(ctx context.Context) ([]domain.EmailWorkflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM email_workflows
		ORDER BY trigger_event ASC, priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailWorkflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// CreateWorkflow inserts a non-system workflow.
func (s *Store) CreateWorkflow(ctx context.Context, w domain.EmailWorkflow) (*domain.EmailWorkflow, error) {
	w.TriggerEvent = strings.TrimSpace(w.TriggerEvent)
	w.TemplateName = strings.TrimSpace(w.TemplateName)
	if w.TriggerEvent == "" || w.TemplateName == "" {
		return nil, fmt.Errorf("%w: trigger_event and template_name are required", domain.ErrValidation)
	}
	defaults, err := json.Marshal(orEmpty(w.DefaultVariables))
	if err != nil {
		return nil, fmt.Errorf("marshal workflow defaults: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO email_workflows
			(trigger_event, template_name, priority, delay_minutes, default_variables, enabled, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		RETURNING `+workflowColumns,
		w.TriggerEvent, w.TemplateName, w.Priority, w.DelayMinutes, defaults, w.Enabled, s.now())
	return scanWorkflow(row)
}

// UpdateWorkflow rewrites the mutable fields of a workflow. System
// workflows accept updates (an admin may re-point a template) but keep
// their is_system mark.
func (s *Store) UpdateWorkflow(ctx context.Context, w domain.EmailWorkflow) (*domain.EmailWorkflow, error) {
	defaults, err := json.Marshal(orEmpty(w.DefaultVariables))
	if err != nil {
		return nil, fmt.Errorf("marshal workflow defaults: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE email_workflows
		SET trigger_event = $2, template_name = $3, priority = $4,
			delay_minutes = $5, default_variables = $6, enabled = $7
		WHERE id = $1
		RETURNING `+workflowColumns,
		w.ID, w.TriggerEvent, w.TemplateName, w.Priority, w.DelayMinutes, defaults, w.Enabled)
	updated, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return updated, err
}

// DeleteWorkflow removes a workflow. System workflows seeded by migration
// cannot be deleted, only disabled.
func (s *Store) DeleteWorkflow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_workflows WHERE id = $1 AND is_system = FALSE`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var isSystem bool
		err := s.db.QueryRowContext(ctx,
			`SELECT is_system FROM email_workflows WHERE id = $1`, id).Scan(&isSystem)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}
		return fmt.Errorf("%w: system workflows cannot be deleted", domain.ErrValidation)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
