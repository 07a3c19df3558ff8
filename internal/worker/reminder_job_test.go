package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
)

type fakeReminderSource struct {
	active    *domain.Event
	due       map[int][]domain.EventParticipation
	gotStages []int
	gotCutoff map[int]time.Time
	stamped   []string
}

func (f *fakeReminderSource) GetActive(ctx context.Context) (*domain.Event, error) {
	return f.active, nil
}

func (f *fakeReminderSource) ListReminderDue(ctx context.Context, eventID int64, stage int, invitedBefore time.Time, limit int) ([]domain.EventParticipation, error) {
	f.gotStages = append(f.gotStages, stage)
	if f.gotCutoff == nil {
		f.gotCutoff = make(map[int]time.Time)
	}
	f.gotCutoff[stage] = invitedBefore
	return f.due[stage], nil
}

func (f *fakeReminderSource) StampReminder(ctx context.Context, participationID int64, stage int) error {
	f.stamped = append(f.stamped, fmt.Sprintf("%d:%d", participationID, stage))
	return nil
}

func reminderConfig() config.RemindersConfig {
	return config.RemindersConfig{
		Enabled:             true,
		DaysAfterInvite1:    7,
		MinDaysBeforeEvent1: 14,
		DaysAfterInvite2:    14,
		MinDaysBeforeEvent2: 7,
		DaysBeforeEvent3:    3,
	}
}

func reminderNow() time.Time {
	return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
}

// eventStartingIn builds an active event that starts exactly n days from
// the fixed test clock.
func eventStartingIn(days int) *domain.Event {
	start := reminderNow().Add(time.Duration(days) * 24 * time.Hour)
	return &domain.Event{
		ID:       5,
		Name:     "Range 2026",
		IsActive: true,
		StartsAt: start,
		EndsAt:   start.Add(4 * 24 * time.Hour),
	}
}

func participation(id, userID int64) domain.EventParticipation {
	return domain.EventParticipation{ID: id, UserID: userID, EventID: 5, Status: domain.ParticipationInvited}
}

func newReminderJob(src *fakeReminderSource, disp Dispatcher) *ReminderJob {
	job := NewReminderJob(src, disp, reminderConfig())
	job.SetNow(reminderNow)
	return job
}

func TestReminderRunNoActiveEvent(t *testing.T) {
	src := &fakeReminderSource{}
	disp := &countingDispatcher{}

	if err := newReminderJob(src, disp).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.gotStages) != 0 || len(disp.triggers) != 0 {
		t.Errorf("nothing may run without an active event: stages=%v triggers=%v", src.gotStages, disp.triggers)
	}
}

func TestReminderRunSkipsStartedEvent(t *testing.T) {
	src := &fakeReminderSource{active: eventStartingIn(-1)}
	disp := &countingDispatcher{}

	if err := newReminderJob(src, disp).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.gotStages) != 0 {
		t.Errorf("stages queried for a started event: %v", src.gotStages)
	}
}

func TestReminderRunMidWindowFiresOnlyStageTwo(t *testing.T) {
	// Ten days out: too close for stage 1 (needs >= 14), inside stage 2's
	// window (needs >= 7), too far for stage 3 (needs <= 3).
	src := &fakeReminderSource{
		active: eventStartingIn(10),
		due:    map[int][]domain.EventParticipation{2: {participation(200, 20)}},
	}
	disp := &countingDispatcher{}

	if err := newReminderJob(src, disp).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(src.gotStages) != 1 || src.gotStages[0] != 2 {
		t.Fatalf("stages queried = %v, want only stage 2", src.gotStages)
	}
	if len(disp.triggers) != 1 || disp.triggers[0] != "invitation_reminder_2" {
		t.Errorf("triggers = %v, want invitation_reminder_2", disp.triggers)
	}
	if got := disp.vars[0]["days_until_event"]; got != "10" {
		t.Errorf("days_until_event = %q, want 10", got)
	}
	if len(src.stamped) != 1 || src.stamped[0] != "200:2" {
		t.Errorf("stamped = %v, want [200:2]", src.stamped)
	}

	wantCutoff := reminderNow().Add(-14 * 24 * time.Hour)
	if got := src.gotCutoff[2]; !got.Equal(wantCutoff) {
		t.Errorf("stage 2 cutoff = %v, want %v", got, wantCutoff)
	}
}

func TestReminderRunFinalStageNearEvent(t *testing.T) {
	src := &fakeReminderSource{
		active: eventStartingIn(2),
		due:    map[int][]domain.EventParticipation{3: {participation(300, 30)}},
	}
	disp := &countingDispatcher{}

	if err := newReminderJob(src, disp).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.gotStages) != 1 || src.gotStages[0] != 3 {
		t.Fatalf("stages queried = %v, want only stage 3", src.gotStages)
	}
	if disp.triggers[0] != "invitation_reminder_3" {
		t.Errorf("trigger = %q", disp.triggers[0])
	}
}

func TestReminderRunStampsOnlyEnqueued(t *testing.T) {
	src := &fakeReminderSource{
		active: eventStartingIn(10),
		due: map[int][]domain.EventParticipation{
			2: {participation(200, 20), participation(201, 21)},
		},
	}
	disp := &countingDispatcher{zeroFor: map[int64]bool{21: true}}

	if err := newReminderJob(src, disp).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.stamped) != 1 || src.stamped[0] != "200:2" {
		t.Errorf("stamped = %v, a zero-row enqueue must not stamp", src.stamped)
	}
}
