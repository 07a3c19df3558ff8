package domain

import "time"

// Event is one yearly iteration of the exercise. At most one event is
// active at a time; the activation transaction enforces this rather than
// a uniqueness constraint, because a transition briefly touches two rows.
type Event struct {
	ID               int64     `json:"id" db:"id"`
	Year             int       `json:"year" db:"year"`
	Slug             string    `json:"slug" db:"slug"`
	Name             string    `json:"name" db:"name"`
	StartsAt         time.Time `json:"starts_at" db:"starts_at"`
	EndsAt           time.Time `json:"ends_at" db:"ends_at"`
	RegistrationOpen bool      `json:"registration_open" db:"registration_open"`
	TestMode         bool      `json:"test_mode" db:"test_mode"`
	IsActive         bool      `json:"is_active" db:"is_active"`
	TermsVersion     string    `json:"terms_version" db:"terms_version"`
	TermsBody        string    `json:"terms_body,omitempty" db:"terms_body"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// DaysUntilStart returns whole days from now to the event start, negative
// once the event has begun.
func (e *Event) DaysUntilStart(now time.Time) int {
	return int(e.StartsAt.Sub(now).Hours() / 24)
}

// ParticipationStatus is the lifecycle state of a (user, event) pair.
// Transitions are monotonic except by admin override.
type ParticipationStatus string

const (
	ParticipationInvited    ParticipationStatus = "invited"
	ParticipationConfirmed  ParticipationStatus = "confirmed"
	ParticipationDeclined   ParticipationStatus = "declined"
	ParticipationNoResponse ParticipationStatus = "no_response"
)

// EventParticipation links a user to an event. Unique per (user, event).
// The three reminder columns make each reminder stage idempotent: a stage
// fires at most once because it stamps its own column.
type EventParticipation struct {
	ID               int64               `json:"id" db:"id"`
	UserID           int64               `json:"user_id" db:"user_id"`
	EventID          int64               `json:"event_id" db:"event_id"`
	Status           ParticipationStatus `json:"status" db:"status"`
	ConfirmationCode *string             `json:"-" db:"confirmation_code"`
	InviteSentAt     *time.Time          `json:"invite_sent_at,omitempty" db:"invite_sent_at"`
	ConfirmedAt      *time.Time          `json:"confirmed_at,omitempty" db:"confirmed_at"`
	Reminder1SentAt  *time.Time          `json:"reminder_1_sent_at,omitempty" db:"reminder_1_sent_at"`
	Reminder2SentAt  *time.Time          `json:"reminder_2_sent_at,omitempty" db:"reminder_2_sent_at"`
	Reminder3SentAt  *time.Time          `json:"reminder_3_sent_at,omitempty" db:"reminder_3_sent_at"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
}
