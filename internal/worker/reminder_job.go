package worker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
)

const reminderPageSize = 500

// ReminderSource is the slice of the event store the reminder job needs.
type ReminderSource interface {
	GetActive(ctx context.Context) (*domain.Event, error)
	ListReminderDue(ctx context.Context, eventID int64, stage int, invitedBefore time.Time, limit int) ([]domain.EventParticipation, error)
	StampReminder(ctx context.Context, participationID int64, stage int) error
}

// ReminderJob nudges invited users who have not responded. Three stages:
// two spaced by invite age (held back close to the event), and a final
// one as the event approaches. Each stage fires at most once per
// participation; the stamp column is the guarantee.
type ReminderJob struct {
	events     ReminderSource
	dispatcher Dispatcher
	cfg        config.RemindersConfig
	now        func() time.Time
}

// NewReminderJob wires the reminder sweep from the reminders config.
func NewReminderJob(events ReminderSource, dispatcher Dispatcher, cfg config.RemindersConfig) *ReminderJob {
	return &ReminderJob{
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (tests).
func (j *ReminderJob) SetNow(now func() time.Time) { j.now = now }

// Run evaluates all three stages against the active event.
func (j *ReminderJob) Run(ctx context.Context) error {
	ev, err := j.events.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load active event: %w", err)
	}
	if ev == nil {
		return nil
	}

	now := j.now()
	daysUntil := ev.DaysUntilStart(now)
	if daysUntil < 0 {
		return nil
	}

	total := 0
	stages := []struct {
		stage           int
		daysAfterInvite int
		gate            bool
	}{
		{1, j.cfg.DaysAfterInvite1, daysUntil >= j.cfg.MinDaysBeforeEvent1},
		{2, j.cfg.DaysAfterInvite2, daysUntil >= j.cfg.MinDaysBeforeEvent2},
		{3, 0, daysUntil <= j.cfg.DaysBeforeEvent3},
	}
	for _, st := range stages {
		if !st.gate {
			continue
		}
		sent, err := j.runStage(ctx, ev, st.stage, st.daysAfterInvite, daysUntil)
		if err != nil {
			return err
		}
		total += sent
	}

	if total > 0 {
		log.Printf("[ReminderJob] Event %d: %d reminders enqueued (%d days to start)",
			ev.ID, total, daysUntil)
	}
	return nil
}

func (j *ReminderJob) runStage(ctx context.Context, ev *domain.Event, stage, daysAfterInvite, daysUntil int) (int, error) {
	cutoff := j.now().Add(-time.Duration(daysAfterInvite) * 24 * time.Hour)
	due, err := j.events.ListReminderDue(ctx, ev.ID, stage, cutoff, reminderPageSize)
	if err != nil {
		return 0, err
	}

	trigger := "invitation_reminder_" + strconv.Itoa(stage)
	vars := map[string]string{
		"event_name":       ev.Name,
		"days_until_event": strconv.Itoa(daysUntil),
	}

	sent := 0
	for i := range due {
		p := &due[i]
		n, err := j.dispatcher.Trigger(ctx, trigger, p.UserID, vars, false)
		if err != nil {
			log.Printf("[ReminderJob] Stage %d for user %d failed: %v", stage, p.UserID, err)
			continue
		}
		if n == 0 {
			continue
		}
		// Stamp right after the enqueue; if the stamp is lost, the queue's
		// pending-row dedupe absorbs the retry on the next tick.
		if err := j.events.StampReminder(ctx, p.ID, stage); err != nil {
			log.Printf("[ReminderJob] Stamp stage %d for participation %d failed: %v", stage, p.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}
