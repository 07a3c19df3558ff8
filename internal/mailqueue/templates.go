package mailqueue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/rangeops/rangehub/internal/domain"
)

const templateColumns = `id, name, subject, body_text, body_html, enabled`

func scanTemplate(sc rowScanner) (*domain.EmailTemplate, error) {
	var t domain.EmailTemplate
	err := sc.Scan(&t.ID, &t.Name, &t.Subject, &t.BodyText, &t.BodyHTML, &t.Enabled)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate returns an enabled template by name, or nil when absent or
// disabled.
func (s *Store) GetTemplate(ctx context.Context, name string) (*domain.EmailTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM email_templates
		WHERE name = $1 AND enabled = TRUE`, name)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]domain.EmailTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CreateTemplate inserts a template. Names are unique.
func (s *Store) CreateTemplate(ctx context.Context, t domain.EmailTemplate) (*domain.EmailTemplate, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || t.Subject == "" {
		return nil, fmt.Errorf("%w: name and subject are required", domain.ErrValidation)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO email_templates (name, subject, body_text, body_html, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+templateColumns,
		t.Name, t.Subject, t.BodyText, t.BodyHTML, t.Enabled)
	created, err := scanTemplate(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: template %q exists", domain.ErrConflict, t.Name)
		}
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return created, nil
}

// UpdateTemplate rewrites a template by id.
func (s *Store) UpdateTemplate(ctx context.Context, t domain.EmailTemplate) (*domain.EmailTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE email_templates
		SET name = $2, subject = $3, body_text = $4, body_html = $5, enabled = $6
		WHERE id = $1
		RETURNING `+templateColumns,
		t.ID, t.Name, t.Subject, t.BodyText, t.BodyHTML, t.Enabled)
	updated, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return updated, err
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM email_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
