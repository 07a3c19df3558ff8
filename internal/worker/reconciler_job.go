package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/rangeops/rangehub/internal/cloud"
	"github.com/rangeops/rangehub/internal/domain"
)

// InstanceSource is the slice of the instance store the reconciler needs.
type InstanceSource interface {
	ListReconcilable(ctx context.Context) ([]*domain.Instance, error)
	UpdateStatusIP(ctx context.Context, id int64, status domain.InstanceStatus, ip *string) error
}

// ReconcilerJob polls the providers for every non-terminal instance and
// writes back the normalized status and primary IPv4. One bad instance
// or one flaky provider never stops the rest of the tick.
type ReconcilerJob struct {
	instances InstanceSource
	providers map[domain.ProviderName]cloud.Provider
}

// NewReconcilerJob wires the reconciler.
func NewReconcilerJob(instances InstanceSource, providers map[domain.ProviderName]cloud.Provider) *ReconcilerJob {
	return &ReconcilerJob{instances: instances, providers: providers}
}

// RunOnce performs one reconcile pass.
func (j *ReconcilerJob) RunOnce(ctx context.Context) error {
	rows, err := j.instances.ListReconcilable(ctx)
	if err != nil {
		return fmt.Errorf("list reconcilable instances: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var updated, failed int
	for _, in := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		prov, ok := j.providers[in.Provider]
		if !ok || in.ProviderID == nil {
			failed++
			log.Printf("[Reconciler] Instance %d skipped: provider %s not enabled", in.ID, in.Provider)
			continue
		}

		srv, err := prov.GetInstanceStatus(ctx, *in.ProviderID)
		if err != nil {
			failed++
			log.Printf("[Reconciler] Instance %d status fetch failed: %v", in.ID, err)
			continue
		}

		var ip *string
		if srv.IPv4 != "" {
			ip = &srv.IPv4
		}
		if err := j.instances.UpdateStatusIP(ctx, in.ID, srv.Status, ip); err != nil {
			failed++
			log.Printf("[Reconciler] Instance %d status write failed: %v", in.ID, err)
			continue
		}
		updated++
	}

	log.Printf("[Reconciler] Tick complete: %d checked, %d updated, %d failed",
		len(rows), updated, failed)
	return nil
}
