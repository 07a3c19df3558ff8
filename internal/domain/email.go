package domain

import "time"

// QueueStatus is the lifecycle state of an email queue row.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// EmailQueueRow is one durable outbound email. The recipient fields are a
// snapshot taken at enqueue time; the worker refetches the user before
// sending and cancels the row if the user can no longer receive mail.
//
// A row is "due" when status is pending, attempts < max_attempts, and
// scheduled_for is null or in the past. Lower priority sends earlier.
type EmailQueueRow struct {
	ID                int64             `json:"id" db:"id"`
	UserID            int64             `json:"user_id" db:"user_id"`
	RecipientEmail    string            `json:"recipient_email" db:"recipient_email"`
	RecipientName     string            `json:"recipient_name" db:"recipient_name"`
	TemplateName      string            `json:"template_name" db:"template_name"`
	Variables         map[string]string `json:"variables" db:"variables"`
	Priority          int               `json:"priority" db:"priority"`
	Status            QueueStatus       `json:"status" db:"status"`
	Attempts          int               `json:"attempts" db:"attempts"`
	MaxAttempts       int               `json:"max_attempts" db:"max_attempts"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError         *string           `json:"last_error,omitempty" db:"last_error"`
	ScheduledFor      *time.Time        `json:"scheduled_for,omitempty" db:"scheduled_for"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	SentAt            *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty" db:"provider_message_id"`
	BatchID           *string           `json:"batch_id,omitempty" db:"batch_id"`
	WorkerID          *string           `json:"worker_id,omitempty" db:"worker_id"`
}

// EnqueueRequest is the input to Store.Enqueue. Force bypasses the 24-hour
// send dedupe but never the pending-row dedupe.
type EnqueueRequest struct {
	UserID         int64             `json:"user_id"`
	RecipientEmail string            `json:"recipient_email"`
	RecipientName  string            `json:"recipient_name"`
	TemplateName   string            `json:"template_name"`
	Variables      map[string]string `json:"variables"`
	Priority       int               `json:"priority"`
	MaxAttempts    int               `json:"max_attempts"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
	Force          bool              `json:"force"`
}

// BatchLog summarizes one batch worker invocation. Append-only.
type BatchLog struct {
	ID             int64      `json:"id" db:"id"`
	BatchID        string     `json:"batch_id" db:"batch_id"`
	WorkerID       string     `json:"worker_id" db:"worker_id"`
	TemplateFilter string     `json:"template_filter" db:"template_filter"`
	Claimed        int        `json:"claimed" db:"claimed"`
	Sent           int        `json:"sent" db:"sent"`
	Failed         int        `json:"failed" db:"failed"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	DurationMs     int64      `json:"duration_ms" db:"duration_ms"`
}

// EmailWorkflow maps a trigger event name to a template. System workflows
// are seeded by migration and cannot be deleted through the API.
type EmailWorkflow struct {
	ID               int64             `json:"id" db:"id"`
	TriggerEvent     string            `json:"trigger_event" db:"trigger_event"`
	TemplateName     string            `json:"template_name" db:"template_name"`
	Priority         int               `json:"priority" db:"priority"`
	DelayMinutes     int               `json:"delay_minutes" db:"delay_minutes"`
	DefaultVariables map[string]string `json:"default_variables" db:"default_variables"`
	Enabled          bool              `json:"enabled" db:"enabled"`
	IsSystem         bool              `json:"is_system" db:"is_system"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// EmailTemplate is a named subject/body pair. Rendering substitutes
// {{key}} occurrences textually; there is no template language.
type EmailTemplate struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Subject  string `json:"subject" db:"subject"`
	BodyText string `json:"body_text" db:"body_text"`
	BodyHTML string `json:"body_html" db:"body_html"`
	Enabled  bool   `json:"enabled" db:"enabled"`
}

// WebhookEvent is one provider feedback event (bounce, spam report,
// unsubscribe, delivery) recorded from the mailer webhook.
type WebhookEvent struct {
	ID                int64      `json:"id" db:"id"`
	EventType         string     `json:"event_type" db:"event_type"`
	Email             string     `json:"email" db:"email"`
	ProviderMessageID string     `json:"provider_message_id" db:"provider_message_id"`
	Reason            string     `json:"reason" db:"reason"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty" db:"occurred_at"`
	ReceivedAt        time.Time  `json:"received_at" db:"received_at"`
}
