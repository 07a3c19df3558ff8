// Package dispatch turns named trigger events into queued emails via the
// workflow table. All transactional email flows through Trigger so the
// test-mode and recipient gates apply uniformly.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
)

// WorkflowSource loads enabled workflows for a trigger event.
type WorkflowSource interface {
	GetWorkflowsByTrigger(ctx context.Context, triggerEvent string) ([]domain.EmailWorkflow, error)
}

// Enqueuer appends to the durable email queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.EmailQueueRow, error)
}

// UserSource resolves recipients.
type UserSource interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// ActiveEventSource returns the active event, or nil when none is active.
type ActiveEventSource interface {
	GetActive(ctx context.Context) (*domain.Event, error)
}

// Auditor records security-relevant outcomes.
type Auditor interface {
	MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string)
}

// Dispatcher resolves a trigger event to its workflows and enqueues one
// email per workflow.
type Dispatcher struct {
	workflows WorkflowSource
	queue     Enqueuer
	users     UserSource
	events    ActiveEventSource
	audit     Auditor
	now       func() time.Time
}

// NewDispatcher wires a dispatcher over its collaborators.
func NewDispatcher(workflows WorkflowSource, queue Enqueuer, users UserSource, events ActiveEventSource, audit Auditor) *Dispatcher {
	return &Dispatcher{
		workflows: workflows,
		queue:     queue,
		users:     users,
		events:    events,
		audit:     audit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (tests).
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// Trigger enqueues every enabled workflow bound to triggerEvent for the
// given user and returns how many rows were enqueued.
//
// Gates, in order: an unknown or fully-disabled trigger is a logged no-op;
// a missing user is ErrNotFound; while the active event is in test mode,
// non-sponsor recipients are dropped (audited, not an error); a recipient
// whose address bounced, complained, or unsubscribed is ErrRecipientInvalid.
//
// Caller vars win over workflow defaults. force bypasses the queue's
// recent-send window but never its pending-row dedupe.
func (d *Dispatcher) Trigger(ctx context.Context, triggerEvent string, userID int64, vars map[string]string, force bool) (int, error) {
	flows, err := d.workflows.GetWorkflowsByTrigger(ctx, triggerEvent)
	if err != nil {
		return 0, fmt.Errorf("load workflows for %s: %w", triggerEvent, err)
	}
	if len(flows) == 0 {
		log.Printf("[Dispatcher] No enabled workflows for trigger %q", triggerEvent)
		return 0, nil
	}

	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user == nil {
		return 0, fmt.Errorf("%w: user %d", domain.ErrNotFound, userID)
	}

	active, err := d.events.GetActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active event: %w", err)
	}
	if active != nil && active.TestMode && user.Role != domain.RoleSponsor {
		d.audit.MustRecord(ctx, domain.AuditWorkflowBlockedTestMode, nil,
			"user:"+strconv.FormatInt(userID, 10),
			map[string]string{"trigger": triggerEvent, "role": string(user.Role)})
		log.Printf("[Dispatcher] Test mode: dropped trigger %q for user %d (role %s)",
			triggerEvent, userID, user.Role)
		return 0, nil
	}

	if !user.CanReceiveEmail() {
		return 0, fmt.Errorf("%w: user %d status %s", domain.ErrRecipientInvalid, userID, user.EmailStatus)
	}

	now := d.now()
	enqueued := 0
	for _, flow := range flows {
		merged := make(map[string]string, len(flow.DefaultVariables)+len(vars))
		for k, v := range flow.DefaultVariables {
			merged[k] = v
		}
		for k, v := range vars {
			merged[k] = v
		}

		req := domain.EnqueueRequest{
			UserID:         user.ID,
			RecipientEmail: user.Email,
			RecipientName:  user.DisplayName,
			TemplateName:   flow.TemplateName,
			Variables:      merged,
			Priority:       flow.Priority,
			Force:          force,
		}
		if flow.DelayMinutes > 0 {
			at := now.Add(time.Duration(flow.DelayMinutes) * time.Minute)
			req.ScheduledFor = &at
		}

		if _, err := d.queue.Enqueue(ctx, req); err != nil {
			return enqueued, fmt.Errorf("enqueue %s for user %d: %w", flow.TemplateName, userID, err)
		}
		enqueued++
	}

	d.audit.MustRecord(ctx, domain.AuditWorkflowTrigger, nil,
		"user:"+strconv.FormatInt(userID, 10),
		map[string]string{"trigger": triggerEvent, "enqueued": strconv.Itoa(enqueued)})
	return enqueued, nil
}
