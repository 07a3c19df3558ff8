package license

import (
	"context"
	"fmt"
	"log"
)

// Reaper releases slots whose lease outlived their product's TTL, covering
// clients that crashed without calling release. Acquire reaps inline for
// its own product; the reaper is the safety net for idle products.
type Reaper struct {
	store *Store
}

// NewReaper creates a reaper over the license store.
func NewReaper(store *Store) *Reaper {
	return &Reaper{store: store}
}

// RunOnce sweeps every product in one statement.
func (r *Reaper) RunOnce(ctx context.Context) error {
	now := r.store.now()
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE license_slots s
		SET is_active = FALSE, released_at = $1, result = 'expired',
			elapsed_seconds = EXTRACT(EPOCH FROM ($1 - s.acquired_at))::int
		FROM license_products p
		WHERE s.product_id = p.id
			AND s.is_active
			AND s.acquired_at < $1 - (p.slot_ttl_seconds * interval '1 second')`,
		now)
	if err != nil {
		return fmt.Errorf("reap slots: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[LicenseReaper] Released %d expired slots", n)
	}
	return nil
}
