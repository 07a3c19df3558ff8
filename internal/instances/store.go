// Package instances persists provisioned cloud machines and drives their
// lifecycle: create through a provider, reconcile status, hand the booted
// machine its VPN config exactly once, soft-delete.
package instances

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/tokens"
)

// Store provides instance persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an instance store on the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

const instanceColumns = `id, provider, provider_id, name, status, ip_address,
	user_id, event_id, template_name, vpn_config, config_token_hash,
	config_token_expires_at, created_at, deleted_at`

func scanInstance(sc interface{ Scan(...any) error }) (*domain.Instance, error) {
	var in domain.Instance
	err := sc.Scan(&in.ID, &in.Provider, &in.ProviderID, &in.Name, &in.Status,
		&in.IPAddress, &in.UserID, &in.EventID, &in.TemplateName, &in.VPNConfig,
		&in.ConfigTokenHash, &in.ConfigTokenExpiresAt, &in.CreatedAt, &in.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// Create inserts a new instance row in BUILDING state. The provider id
// lands later, once the provider accepted the create call.
func (s *Store) Create(ctx context.Context, in *domain.Instance) (*domain.Instance, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: instance name is required", domain.ErrValidation)
	}
	switch in.Provider {
	case domain.ProviderOpenStack, domain.ProviderDigitalOcean:
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, in.Provider)
	}

	query := fmt.Sprintf(`
		INSERT INTO instances (provider, name, status, user_id, event_id,
			template_name, config_token_hash, config_token_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING %s`, instanceColumns)

	created, err := scanInstance(s.db.QueryRowContext(ctx, query,
		in.Provider, in.Name, domain.InstanceBuilding, in.UserID, in.EventID,
		in.TemplateName, in.ConfigTokenHash, in.ConfigTokenExpiresAt, s.now()))
	if err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}
	return created, nil
}

// GetByID returns one instance, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*domain.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM instances WHERE id = $1`, instanceColumns)
	in, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %d: %w", id, err)
	}
	return in, nil
}

// List returns instances, newest first. Soft-deleted rows are excluded
// unless includeDeleted is set.
func (s *Store) List(ctx context.Context, includeDeleted bool) ([]*domain.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM instances`, instanceColumns)
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ListReconcilable returns non-deleted instances that have a provider id
// and have not reached a terminal status. These are the rows the
// reconciler polls.
func (s *Store) ListReconcilable(ctx context.Context) ([]*domain.Instance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM instances
		WHERE deleted_at IS NULL
		  AND provider_id IS NOT NULL
		  AND status NOT IN ('ACTIVE', 'ERROR', 'SHUTOFF', 'DELETED')
		ORDER BY id`, instanceColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetProviderID records the provider-assigned id after a successful
// create call.
func (s *Store) SetProviderID(ctx context.Context, id int64, providerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET provider_id = $2 WHERE id = $1`, id, providerID)
	if err != nil {
		return fmt.Errorf("set provider id for instance %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateStatusIP writes the reconciled status and primary IPv4. A nil ip
// leaves the stored address untouched so a flapping provider response
// cannot erase a known address.
func (s *Store) UpdateStatusIP(ctx context.Context, id int64, status domain.InstanceStatus, ip *string) error {
	var err error
	if ip != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE instances SET status = $2, ip_address = $3 WHERE id = $1`, id, status, *ip)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE instances SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("update instance %d status: %w", id, err)
	}
	return nil
}

// SetVPNConfig stores the rendered WireGuard config for later fetch.
func (s *Store) SetVPNConfig(ctx context.Context, id int64, conf string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET vpn_config = $2 WHERE id = $1`, id, conf)
	if err != nil {
		return fmt.Errorf("set vpn config for instance %d: %w", id, err)
	}
	return nil
}

// MarkError flags an instance whose provider create call failed.
func (s *Store) MarkError(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = $2 WHERE id = $1`, id, domain.InstanceError)
	if err != nil {
		return fmt.Errorf("mark instance %d error: %w", id, err)
	}
	return nil
}

// SoftDelete stamps deleted_at and parks the row in DELETED. The row
// stays for audit; the reconciler never touches it again.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET deleted_at = $2, status = $3
		WHERE id = $1 AND deleted_at IS NULL`,
		id, s.now(), domain.InstanceDeleted)
	if err != nil {
		return fmt.Errorf("soft delete instance %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ConsumeConfigToken redeems a config-fetch token. The presented raw
// value is hashed and matched against a live, unexpired token; the token
// fields are cleared in the same statement, so a second presentation
// finds nothing. Returns nil when the token is unknown, spent, or
// expired.
func (s *Store) ConsumeConfigToken(ctx context.Context, raw string) (*domain.Instance, error) {
	if raw == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE instances
		SET config_token_hash = NULL, config_token_expires_at = NULL
		WHERE config_token_hash = $1
		  AND config_token_expires_at IS NOT NULL
		  AND config_token_expires_at > $2
		  AND deleted_at IS NULL
		RETURNING %s`, instanceColumns)

	in, err := scanInstance(s.db.QueryRowContext(ctx, query, tokens.Hash(raw), s.now()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume config token: %w", err)
	}
	return in, nil
}

// CountByStatus returns non-deleted instance counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.InstanceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM instances
		WHERE deleted_at IS NULL
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	counts := map[domain.InstanceStatus]int{
		domain.InstanceBuilding: 0,
		domain.InstanceActive:   0,
		domain.InstanceError:    0,
		domain.InstanceShutoff:  0,
	}
	for rows.Next() {
		var status domain.InstanceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan instance count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
