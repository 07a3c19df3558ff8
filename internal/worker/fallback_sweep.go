package worker

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DefaultStuckAge is how long a row may sit in processing before the
// sweep assumes its worker died mid-batch.
const DefaultStuckAge = 30 * time.Minute

// SweepQueue is the slice of the mail queue the fallback sweep drives.
type SweepQueue interface {
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	FailExhausted(ctx context.Context) (int64, error)
}

// FallbackSweep is the queue's safety net. The batch worker normally
// leaves nothing behind; this catches rows orphaned by a crash and rows
// that burned through their attempts outside a batch.
type FallbackSweep struct {
	queue    SweepQueue
	stuckAge time.Duration
}

// NewFallbackSweep creates the sweep with the default stuck age.
func NewFallbackSweep(queue SweepQueue) *FallbackSweep {
	return &FallbackSweep{queue: queue, stuckAge: DefaultStuckAge}
}

// SetStuckAge overrides the stuck-row threshold (tests).
func (s *FallbackSweep) SetStuckAge(age time.Duration) {
	if age > 0 {
		s.stuckAge = age
	}
}

// RunOnce requeues stuck processing rows and fails exhausted ones.
func (s *FallbackSweep) RunOnce(ctx context.Context) error {
	requeued, err := s.queue.RequeueStuck(ctx, s.stuckAge)
	if err != nil {
		return fmt.Errorf("requeue stuck: %w", err)
	}
	if requeued > 0 {
		log.Printf("[FallbackSweep] Requeued %d rows stuck in processing over %s", requeued, s.stuckAge)
	}

	failed, err := s.queue.FailExhausted(ctx)
	if err != nil {
		return fmt.Errorf("fail exhausted: %w", err)
	}
	if failed > 0 {
		log.Printf("[FallbackSweep] Failed %d rows with exhausted attempts", failed)
	}
	return nil
}
