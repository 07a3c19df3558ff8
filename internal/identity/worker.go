package identity

import (
	"context"
	"fmt"
	"log"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/logger"
	"github.com/rangeops/rangehub/internal/secrets"
)

const defaultSyncBatch = 100

// Provider is the downstream admin API surface the worker drives.
type Provider interface {
	IsReachable(ctx context.Context) error
	CreateUser(ctx context.Context, username, password string) error
	UpdatePassword(ctx context.Context, username, password string) error
	DeleteUser(ctx context.Context, username string) error
}

// Worker delivers queued credential changes. Deliveries are at-least-once;
// rows stay queued across restarts and across provider outages.
type Worker struct {
	store     *Store
	provider  Provider
	codec     *secrets.Codec
	batchSize int
}

// NewWorker wires a sync worker over the queue store and provider client.
func NewWorker(store *Store, provider Provider, codec *secrets.Codec) *Worker {
	return &Worker{store: store, provider: provider, codec: codec, batchSize: defaultSyncBatch}
}

// RunOnce processes one tick of the sync queue. When the provider is
// unreachable the tick aborts before reading the queue so retry counts
// only grow for real delivery attempts.
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.provider.IsReachable(ctx); err != nil {
		log.Printf("[IdentitySync] Provider unreachable, skipping tick: %v", err)
		return nil
	}

	rows, err := w.store.Unsynced(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("fetch unsynced: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var synced, retried, failed int
	for i := range rows {
		row := &rows[i]
		switch outcome := w.deliver(ctx, row); {
		case outcome == nil:
			if err := w.store.MarkSynced(ctx, row.ID); err != nil {
				log.Printf("[IdentitySync] Mark synced %d failed: %v", row.ID, err)
			}
			synced++
		case domain.Transient(outcome):
			if err := w.store.MarkRetry(ctx, row.ID, outcome.Error()); err != nil {
				log.Printf("[IdentitySync] Mark retry %d failed: %v", row.ID, err)
			}
			retried++
		default:
			logger.Warn("identity sync failed permanently",
				"row", row.ID, "operation", string(row.Operation), "username", row.Username, "error", outcome.Error())
			if err := w.store.MarkFailed(ctx, row.ID, outcome.Error()); err != nil {
				log.Printf("[IdentitySync] Mark failed %d failed: %v", row.ID, err)
			}
			failed++
		}
	}

	log.Printf("[IdentitySync] Tick complete: %d synced, %d retried, %d failed", synced, retried, failed)
	return nil
}

// deliver ships one row. A decrypt failure is permanent: the ciphertext is
// broken in storage and retrying cannot fix it.
func (w *Worker) deliver(ctx context.Context, row *domain.IdentitySyncRow) error {
	var password string
	if row.PasswordEnc != nil {
		plain, err := w.codec.Decrypt(*row.PasswordEnc)
		if err != nil {
			return fmt.Errorf("credential corrupt: %w", err)
		}
		password = plain
	}

	switch row.Operation {
	case domain.SyncCreate:
		if password == "" {
			return fmt.Errorf("%w: create without credential", domain.ErrPermanent)
		}
		return w.provider.CreateUser(ctx, row.Username, password)
	case domain.SyncUpdate:
		if password == "" {
			return fmt.Errorf("%w: update without credential", domain.ErrPermanent)
		}
		return w.provider.UpdatePassword(ctx, row.Username, password)
	case domain.SyncDelete:
		return w.provider.DeleteUser(ctx, row.Username)
	default:
		return fmt.Errorf("%w: unknown operation %q", domain.ErrPermanent, row.Operation)
	}
}
