package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/mailer"
	"github.com/rangeops/rangehub/internal/pkg/logger"
)

// QueueStore is the slice of the mail queue the batch worker drives.
type QueueStore interface {
	ClaimDue(ctx context.Context, limit int, batchID, workerID, templateFilter string) ([]domain.EmailQueueRow, error)
	MarkSent(ctx context.Context, id int64, messageID string) error
	MarkFailed(ctx context.Context, id int64, sendErr string) error
	MarkCancelled(ctx context.Context, id int64) error
	OpenBatchLog(ctx context.Context, batchID, workerID, templateFilter string) (int64, error)
	CloseBatchLog(ctx context.Context, id int64, claimed, sent, failed int, durationMs int64) error
}

// RecipientSource refetches users at send time.
type RecipientSource interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// TemplateRenderer turns a template name and variables into a message.
type TemplateRenderer interface {
	Render(ctx context.Context, templateName string, vars map[string]string) (*mailer.Message, error)
}

// EmailWorker drains the durable email queue in batches. Rows are claimed
// with the skip-locked CTE, so several workers can run concurrently
// without double-sends.
type EmailWorker struct {
	queue    QueueStore
	users    RecipientSource
	renderer TemplateRenderer
	mailer   mailer.Mailer

	workerID     string
	batchSize    int
	interval     time.Duration
	testOverride string
	now          func() time.Time

	totalSent      int64
	totalFailed    int64
	totalCancelled int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEmailWorker wires a batch worker from the email config section.
func NewEmailWorker(queue QueueStore, users RecipientSource, renderer TemplateRenderer, m mailer.Mailer, workerID string, cfg config.EmailConfig) *EmailWorker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := cfg.BatchInterval()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &EmailWorker{
		queue:        queue,
		users:        users,
		renderer:     renderer,
		mailer:       m,
		workerID:     workerID,
		batchSize:    batchSize,
		interval:     interval,
		testOverride: cfg.TestOverrideAddress,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (tests).
func (w *EmailWorker) SetNow(now func() time.Time) { w.now = now }

// RunBatch claims, renders, and sends one batch. One bad row never stops
// the rest: per-row errors and panics mark that row and move on. The
// returned log mirrors what was written to email_batch_log.
func (w *EmailWorker) RunBatch(ctx context.Context, batchSize int, templateFilter, workerID string) (*domain.BatchLog, error) {
	if batchSize <= 0 {
		batchSize = w.batchSize
	}
	if workerID == "" {
		workerID = w.workerID
	}

	batchID := uuid.NewString()
	started := w.now()

	logID, err := w.queue.OpenBatchLog(ctx, batchID, workerID, templateFilter)
	if err != nil {
		return nil, fmt.Errorf("open batch log: %w", err)
	}

	rows, err := w.queue.ClaimDue(ctx, batchSize, batchID, workerID, templateFilter)
	if err != nil {
		w.closeLog(ctx, logID, 0, 0, 0, started)
		return nil, fmt.Errorf("claim due: %w", err)
	}

	var sent, failed, cancelled int
	for i := range rows {
		switch w.processRow(ctx, &rows[i]) {
		case domain.QueueSent:
			sent++
		case domain.QueueCancelled:
			cancelled++
		default:
			failed++
		}
	}

	atomic.AddInt64(&w.totalSent, int64(sent))
	atomic.AddInt64(&w.totalFailed, int64(failed))
	atomic.AddInt64(&w.totalCancelled, int64(cancelled))

	durationMs := w.closeLog(ctx, logID, len(rows), sent, failed, started)
	if len(rows) > 0 {
		log.Printf("[EmailWorker] Batch %s complete: claimed=%d sent=%d failed=%d cancelled=%d in %dms",
			batchID, len(rows), sent, failed, cancelled, durationMs)
	}

	finished := started.Add(time.Duration(durationMs) * time.Millisecond)
	return &domain.BatchLog{
		BatchID:        batchID,
		WorkerID:       workerID,
		TemplateFilter: templateFilter,
		Claimed:        len(rows),
		Sent:           sent,
		Failed:         failed,
		StartedAt:      started,
		FinishedAt:     &finished,
		DurationMs:     durationMs,
	}, nil
}

func (w *EmailWorker) closeLog(ctx context.Context, logID int64, claimed, sent, failed int, started time.Time) int64 {
	durationMs := w.now().Sub(started).Milliseconds()
	if err := w.queue.CloseBatchLog(ctx, logID, claimed, sent, failed, durationMs); err != nil {
		log.Printf("[EmailWorker] Close batch log %d failed: %v", logID, err)
	}
	return durationMs
}

// processRow sends one claimed row and marks its outcome.
func (w *EmailWorker) processRow(ctx context.Context, row *domain.EmailQueueRow) (outcome domain.QueueStatus) {
	outcome = domain.QueueFailed
	defer func() {
		if r := recover(); r != nil {
			logger.Error("email row panicked", "row", row.ID, "template", row.TemplateName, "panic", fmt.Sprint(r))
			w.markFailed(ctx, row.ID, fmt.Sprintf("permanent: panic: %v", r))
			outcome = domain.QueueFailed
		}
	}()

	// Refetch: the snapshot on the row may predate a bounce or deactivation.
	user, err := w.users.GetByID(ctx, row.UserID)
	if err != nil {
		w.markFailed(ctx, row.ID, "transient: recipient lookup: "+err.Error())
		return domain.QueueFailed
	}
	if user == nil || !user.CanReceiveEmail() {
		if err := w.queue.MarkCancelled(ctx, row.ID); err != nil {
			log.Printf("[EmailWorker] Cancel row %d failed: %v", row.ID, err)
		}
		log.Printf("[EmailWorker] Cancelled row %d: recipient %s cannot receive mail",
			row.ID, logger.RedactEmail(row.RecipientEmail))
		return domain.QueueCancelled
	}

	msg, err := w.renderer.Render(ctx, row.TemplateName, row.Variables)
	if err != nil {
		w.markFailed(ctx, row.ID, "permanent: render: "+err.Error())
		return domain.QueueFailed
	}
	msg.To = user.Email
	msg.ToName = row.RecipientName

	if w.testOverride != "" {
		log.Printf("[EmailWorker] Redirecting row %d from %s to test override",
			row.ID, logger.RedactEmail(msg.To))
		msg.To = w.testOverride
	}

	messageID, err := w.mailer.Send(ctx, *msg)
	if err != nil {
		w.markFailed(ctx, row.ID, mailer.ClassifySendError(err))
		return domain.QueueFailed
	}

	if err := w.queue.MarkSent(ctx, row.ID, messageID); err != nil {
		log.Printf("[EmailWorker] Mark sent %d failed: %v", row.ID, err)
	}
	return domain.QueueSent
}

func (w *EmailWorker) markFailed(ctx context.Context, id int64, reason string) {
	if err := w.queue.MarkFailed(ctx, id, reason); err != nil {
		log.Printf("[EmailWorker] Mark failed %d failed: %v", id, err)
	}
}

// Stats returns lifetime counters for this worker instance.
func (w *EmailWorker) Stats() map[string]int64 {
	return map[string]int64{
		"sent":      atomic.LoadInt64(&w.totalSent),
		"failed":    atomic.LoadInt64(&w.totalFailed),
		"cancelled": atomic.LoadInt64(&w.totalCancelled),
	}
}

// Start runs batches on the configured interval until Stop. Production
// runs under the scheduler instead; this form serves one-off deployments
// and tests.
func (w *EmailWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		log.Printf("[EmailWorker] Started (interval %s, batch %d)", w.interval, w.batchSize)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.RunBatch(ctx, w.batchSize, "", w.workerID); err != nil {
					log.Printf("[EmailWorker] Batch run failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the ticker loop and waits for an in-flight batch.
func (w *EmailWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[EmailWorker] Stopped")
}
