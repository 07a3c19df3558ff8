// Package license manages single-use download tokens and the per-product
// concurrency slots that cap how many instances run a licensed tool at
// once. All slot accounting serializes on the product row.
package license

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/tokens"
)

// DeniedRetryAfter is the retry hint returned with a wait result.
const DeniedRetryAfter = 30

// tokenBytes is the entropy of a raw download token.
const tokenBytes = 32

// Store owns license products, tokens, and slots.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a license store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock (tests).
func (s *Store) SetNow(now func() time.Time) { s.now = now }

const productColumns = `id, name, license_blob, max_concurrent, slot_ttl_seconds, token_ttl_seconds, is_active, created_at`

func scanProduct(sc interface{ Scan(...any) error }) (*domain.LicenseProduct, error) {
	var p domain.LicenseProduct
	err := sc.Scan(&p.ID, &p.Name, &p.LicenseBlob, &p.MaxConcurrent,
		&p.SlotTTLSeconds, &p.TokenTTLSeconds, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProduct inserts a product. Zero TTLs fall back to the defaults.
func (s *Store) CreateProduct(ctx context.Context, p domain.LicenseProduct) (*domain.LicenseProduct, error) {
	if p.Name == "" || p.LicenseBlob == "" {
		return nil, fmt.Errorf("%w: name and license_blob are required", domain.ErrValidation)
	}
	if p.MaxConcurrent < 1 {
		p.MaxConcurrent = 1
	}
	if p.SlotTTLSeconds <= 0 {
		p.SlotTTLSeconds = 7200
	}
	if p.TokenTTLSeconds <= 0 {
		p.TokenTTLSeconds = 7200
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO license_products
			(name, license_blob, max_concurrent, slot_ttl_seconds, token_ttl_seconds, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING `+productColumns,
		p.Name, p.LicenseBlob, p.MaxConcurrent, p.SlotTTLSeconds, p.TokenTTLSeconds, s.now())
	return scanProduct(row)
}

// GetProduct returns one product by id, or nil when absent.
func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.LicenseProduct, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM license_products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProducts returns all products ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]domain.LicenseProduct, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM license_products ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []domain.LicenseProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProduct rewrites a product's cap, TTLs, blob, and active flag.
func (s *Store) UpdateProduct(ctx context.Context, p domain.LicenseProduct) (*domain.LicenseProduct, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE license_products
		SET name = $2, license_blob = $3, max_concurrent = $4,
			slot_ttl_seconds = $5, token_ttl_seconds = $6, is_active = $7
		WHERE id = $1
		RETURNING `+productColumns,
		p.ID, p.Name, p.LicenseBlob, p.MaxConcurrent, p.SlotTTLSeconds, p.TokenTTLSeconds, p.IsActive)
	updated, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return updated, err
}

// GenerateToken mints a single-use download token for a product. Only the
// SHA-256 of the raw value is stored; the raw value is returned exactly
// once and cannot be recovered afterwards.
func (s *Store) GenerateToken(ctx context.Context, productID int64, instanceID *int64) (string, *domain.LicenseToken, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return "", nil, fmt.Errorf("load product: %w", err)
	}
	if product == nil || !product.IsActive {
		return "", nil, fmt.Errorf("%w: product %d", domain.ErrNotFound, productID)
	}

	raw, hash, err := tokens.Generate(tokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}

	now := s.now()
	tok := &domain.LicenseToken{
		TokenHash:  hash,
		ProductID:  productID,
		InstanceID: instanceID,
		ExpiresAt:  now.Add(product.TokenTTL()),
		CreatedAt:  now,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO license_tokens (token_hash, product_id, instance_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		tok.TokenHash, tok.ProductID, tok.InstanceID, tok.ExpiresAt, tok.CreatedAt).Scan(&tok.ID)
	if err != nil {
		return "", nil, fmt.Errorf("insert token: %w", err)
	}
	return raw, tok, nil
}

// ValidateAndConsume redeems a raw token and returns the product's license
// blob. The token row is locked, checked, and marked used in one
// transaction; a second redeem, an expired token, an unknown token, and an
// inactive product all return ErrTokenSpent so responses stay neutral.
func (s *Store) ValidateAndConsume(ctx context.Context, raw, clientIP string) (string, error) {
	hash := tokens.Hash(raw)
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback()

	var (
		tokenID       int64
		used          bool
		expiresAt     time.Time
		blob          string
		productActive bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT t.id, t.used, t.expires_at, p.license_blob, p.is_active
		FROM license_tokens t
		JOIN license_products p ON p.id = t.product_id
		WHERE t.token_hash = $1
		FOR UPDATE OF t`,
		hash).Scan(&tokenID, &used, &expiresAt, &blob, &productActive)
	if err == sql.ErrNoRows {
		return "", domain.ErrTokenSpent
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}

	if used || !productActive || !now.Before(expiresAt) {
		return "", domain.ErrTokenSpent
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE license_tokens
		SET used = TRUE, used_at = $2, used_by_ip = $3
		WHERE id = $1`,
		tokenID, now, clientIP)
	if err != nil {
		return "", fmt.Errorf("consume token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit consume: %w", err)
	}
	return blob, nil
}

// ValidateBearer checks that a raw token authorizes slot calls. A consumed
// token stays valid as a bearer until its expiry; unknown and expired
// tokens return ErrTokenSpent.
func (s *Store) ValidateBearer(ctx context.Context, raw string) (*domain.LicenseToken, error) {
	hash := tokens.Hash(raw)

	var t domain.LicenseToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, product_id, instance_id, used, used_at, used_by_ip, expires_at, created_at
		FROM license_tokens
		WHERE token_hash = $1`,
		hash).Scan(&t.ID, &t.TokenHash, &t.ProductID, &t.InstanceID,
		&t.Used, &t.UsedAt, &t.UsedByIP, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTokenSpent
	}
	if err != nil {
		return nil, fmt.Errorf("lookup bearer: %w", err)
	}
	if !s.now().Before(t.ExpiresAt) {
		return nil, domain.ErrTokenSpent
	}
	return &t, nil
}

// Acquire leases one concurrency slot. The product row is locked for the
// whole decision so concurrent acquires serialize: expired leases are
// reaped, actives counted, and either a new slot is granted or a wait
// result is returned. A denied acquire is not an error.
func (s *Store) Acquire(ctx context.Context, productID int64, hostname, ip string) (*domain.AcquireResult, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback()

	var (
		maxConcurrent int
		slotTTL       int
		isActive      bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT max_concurrent, slot_ttl_seconds, is_active
		FROM license_products
		WHERE id = $1
		FOR UPDATE`,
		productID).Scan(&maxConcurrent, &slotTTL, &isActive)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: product %d", domain.ErrNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock product: %w", err)
	}
	if !isActive {
		return nil, fmt.Errorf("%w: product %d", domain.ErrNotFound, productID)
	}

	cutoff := now.Add(-time.Duration(slotTTL) * time.Second)
	_, err = tx.ExecContext(ctx, `
		UPDATE license_slots
		SET is_active = FALSE, released_at = $2, result = 'expired',
			elapsed_seconds = EXTRACT(EPOCH FROM ($2 - acquired_at))::int
		WHERE product_id = $1 AND is_active AND acquired_at < $3`,
		productID, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reap expired slots: %w", err)
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM license_slots WHERE product_id = $1 AND is_active`,
		productID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("count active slots: %w", err)
	}

	if active >= maxConcurrent {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit acquire: %w", err)
		}
		return &domain.AcquireResult{
			Wait:       true,
			RetryAfter: DeniedRetryAfter,
			Active:     active,
			Max:        maxConcurrent,
		}, nil
	}

	slotID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO license_slots (slot_id, product_id, hostname, ip, acquired_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)`,
		slotID, productID, hostname, ip, now)
	if err != nil {
		return nil, fmt.Errorf("insert slot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire: %w", err)
	}
	return &domain.AcquireResult{
		Granted: true,
		SlotID:  slotID,
		Active:  active + 1,
		Max:     maxConcurrent,
	}, nil
}

// Release ends a lease. Only an active slot transitions; releasing a slot
// twice (or an unknown slot id) returns ErrNotFound.
func (s *Store) Release(ctx context.Context, slotID string, result domain.SlotResult, elapsedSeconds int) error {
	switch result {
	case domain.SlotSuccess, domain.SlotError, domain.SlotExpired, domain.SlotUnknown:
	default:
		result = domain.SlotUnknown
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE license_slots
		SET is_active = FALSE, released_at = $2, result = $3, elapsed_seconds = $4
		WHERE slot_id = $1 AND is_active`,
		slotID, s.now(), string(result), elapsedSeconds)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: slot %s", domain.ErrNotFound, slotID)
	}
	return nil
}

// Slots returns recent slots for a product, newest first.
func (s *Store) Slots(ctx context.Context, productID int64, limit int) ([]domain.LicenseSlot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slot_id, product_id, hostname, ip, acquired_at, released_at, result, elapsed_seconds, is_active
		FROM license_slots
		WHERE product_id = $1
		ORDER BY acquired_at DESC
		LIMIT $2`,
		productID, limit)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []domain.LicenseSlot
	for rows.Next() {
		var sl domain.LicenseSlot
		if err := rows.Scan(&sl.ID, &sl.SlotID, &sl.ProductID, &sl.Hostname, &sl.IP,
			&sl.AcquiredAt, &sl.ReleasedAt, &sl.Result, &sl.ElapsedSeconds, &sl.IsActive); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}
