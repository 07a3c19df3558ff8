package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
)

// InvitationDebounce is how long activation and test-mode changes wait
// before the sweep runs, so rapid admin toggles collapse into one run.
const InvitationDebounce = 30 * time.Second

// invitationBatch is the sweep's page size; each page is fully stamped
// before the next is queried.
const invitationBatch = 100

// EventSource is the slice of the event store the invitation sweep needs.
type EventSource interface {
	GetByID(ctx context.Context, id int64) (*domain.Event, error)
	ListInvitationCandidates(ctx context.Context, eventID int64, sponsorOnly bool, limit int) ([]domain.User, error)
	EnsureParticipation(ctx context.Context, userID, eventID int64) (*domain.EventParticipation, bool, error)
	MarkInviteSent(ctx context.Context, participationID int64) error
}

// Dispatcher fires workflow trigger events.
type Dispatcher interface {
	Trigger(ctx context.Context, triggerEvent string, userID int64, vars map[string]string, force bool) (int, error)
}

// InvitationJob invites every eligible user to an event exactly once.
// Runs are idempotent: invite_sent_at is the high-water mark, so a sweep
// interrupted mid-way resumes where it stopped.
type InvitationJob struct {
	events     EventSource
	dispatcher Dispatcher
	confirmURL string
}

// NewInvitationJob wires the sweep. confirmURL is the public base for
// confirmation links, for example "https://range.example.org/confirm".
func NewInvitationJob(events EventSource, dispatcher Dispatcher, confirmURL string) *InvitationJob {
	return &InvitationJob{events: events, dispatcher: dispatcher, confirmURL: confirmURL}
}

// Run sweeps the candidate list for eventID. testMode is the variant
// captured when the sweep was scheduled; the event is reloaded so a
// toggle after scheduling still gates correctly.
func (j *InvitationJob) Run(ctx context.Context, eventID int64, testMode bool) error {
	ev, err := j.events.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("reload event %d: %w", eventID, err)
	}
	if ev == nil {
		log.Printf("[InvitationJob] Event %d no longer exists, skipping", eventID)
		return nil
	}
	if !ev.TestMode && !ev.RegistrationOpen {
		log.Printf("[InvitationJob] Event %d: registration closed and not in test mode, skipping", ev.ID)
		return nil
	}

	sponsorOnly := ev.TestMode || testMode
	var invited, skipped int
	for {
		candidates, err := j.events.ListInvitationCandidates(ctx, ev.ID, sponsorOnly, invitationBatch)
		if err != nil {
			return fmt.Errorf("list candidates: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		stampedThisPage := 0
		for i := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := j.inviteOne(ctx, ev, &candidates[i])
			if err != nil {
				log.Printf("[InvitationJob] Invite for user %d failed: %v", candidates[i].ID, err)
				skipped++
				continue
			}
			if ok {
				invited++
				stampedThisPage++
			} else {
				skipped++
			}
		}

		// A page that stamps nothing would be reselected verbatim.
		if stampedThisPage == 0 || len(candidates) < invitationBatch {
			break
		}
	}

	log.Printf("[InvitationJob] Event %d sweep complete: %d invited, %d skipped (sponsor_only=%v)",
		ev.ID, invited, skipped, sponsorOnly)
	return nil
}

// inviteOne ensures the participation row, fires the workflow, and stamps
// invite_sent_at. Returns false when the trigger enqueued nothing.
func (j *InvitationJob) inviteOne(ctx context.Context, ev *domain.Event, user *domain.User) (bool, error) {
	p, _, err := j.events.EnsureParticipation(ctx, user.ID, ev.ID)
	if err != nil {
		return false, err
	}

	vars := map[string]string{
		"event_name": ev.Name,
		"event_year": fmt.Sprintf("%d", ev.Year),
	}
	if p.ConfirmationCode != nil {
		vars["confirm_url"] = j.confirmURL + "/" + *p.ConfirmationCode
	}

	n, err := j.dispatcher.Trigger(ctx, "user_invited", user.ID, vars, false)
	if err != nil {
		// The address went bad between the candidate query and now.
		if errors.Is(err, domain.ErrRecipientInvalid) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := j.events.MarkInviteSent(ctx, p.ID); err != nil {
		return false, err
	}
	return true, nil
}
