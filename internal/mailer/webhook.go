package mailer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
	"github.com/rangeops/rangehub/internal/pkg/logger"
)

// Webhook header names. The provider signs (timestamp || raw body) with a
// shared key and sends the base64 HMAC-SHA256 alongside the unix timestamp.
const (
	SignatureHeader = "X-Mailer-Signature"
	TimestampHeader = "X-Mailer-Timestamp"
)

// Freshness bounds for the signed timestamp.
const (
	maxTimestampAge  = 10 * time.Minute
	maxFutureSkew    = 60 * time.Second
	maxWebhookBodyKB = 1024
)

// EventRecorder appends provider feedback events.
type EventRecorder interface {
	RecordWebhookEvent(ctx context.Context, ev domain.WebhookEvent) error
}

// StatusUpdater flips a user's email_status by address.
type StatusUpdater interface {
	UpdateEmailStatus(ctx context.Context, email string, status domain.EmailStatus) (int64, error)
}

// Auditor records rejected deliveries.
type Auditor interface {
	MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string)
}

// WebhookHandler receives the provider's feedback webhook, verifies its
// HMAC, records each event, and updates user email status for
// bounce/spamreport/unsubscribe.
type WebhookHandler struct {
	keys   [][]byte
	events EventRecorder
	users  StatusUpdater
	audit  Auditor
	now    func() time.Time
}

// NewWebhookHandler creates a webhook handler. Any of the configured keys
// may verify a delivery, which allows zero-downtime key rotation.
func NewWebhookHandler(keys []string, events EventRecorder, users StatusUpdater, audit Auditor) *WebhookHandler {
	kb := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			kb = append(kb, []byte(k))
		}
	}
	return &WebhookHandler{
		keys:   kb,
		events: events,
		users:  users,
		audit:  audit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (tests).
func (h *WebhookHandler) SetNow(now func() time.Time) { h.now = now }

// RegisterRoutes mounts the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/mailer", h.Receive)
}

// webhookEvent is the provider's wire shape for one event.
type webhookEvent struct {
	Event     string `json:"event"`
	Email     string `json:"email"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// statusForEvent maps a provider event type to the email status it sets.
// Types outside this map are recorded but change nothing.
var statusForEvent = map[string]domain.EmailStatus{
	"bounce":      domain.EmailBounced,
	"spamreport":  domain.EmailSpamReported,
	"unsubscribe": domain.EmailUnsubscribed,
}

// Receive handles one webhook delivery.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyKB*1024))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	sig := r.Header.Get(SignatureHeader)
	ts := r.Header.Get(TimestampHeader)
	if reason := h.verify(sig, ts, body); reason != "" {
		h.reject(r, reason)
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	events, err := parseEvents(body)
	if err != nil {
		httputil.BadRequest(w, "malformed payload")
		return
	}

	ctx := r.Context()
	processed, ignored := 0, 0
	for _, ev := range events {
		record := domain.WebhookEvent{
			EventType:         ev.Event,
			Email:             ev.Email,
			ProviderMessageID: ev.MessageID,
			Reason:            ev.Reason,
		}
		if ev.Timestamp > 0 {
			at := time.Unix(ev.Timestamp, 0).UTC()
			record.OccurredAt = &at
		}
		if err := h.events.RecordWebhookEvent(ctx, record); err != nil {
			log.Printf("[Webhook] Record failed for %s: %v", ev.Event, err)
		}

		status, affectsStatus := statusForEvent[ev.Event]
		if !affectsStatus || ev.Email == "" {
			ignored++
			continue
		}

		n, err := h.users.UpdateEmailStatus(ctx, ev.Email, status)
		if err != nil {
			log.Printf("[Webhook] Status update failed for %s: %v", logger.RedactEmail(ev.Email), err)
			ignored++
			continue
		}
		if n == 0 {
			log.Printf("[Webhook] %s event for unknown address %s", ev.Event, logger.RedactEmail(ev.Email))
		}
		processed++
	}

	log.Printf("[Webhook] Delivery accepted: processed=%d ignored=%d", processed, ignored)
	httputil.OK(w, map[string]int{"processed": processed, "ignored": ignored})
}

// verify returns an empty string when the delivery is authentic and fresh,
// otherwise the rejection reason.
func (h *WebhookHandler) verify(signature, timestamp string, body []byte) string {
	if len(h.keys) == 0 {
		return "no verification keys configured"
	}
	if signature == "" || timestamp == "" {
		return "missing signature headers"
	}

	tsVal, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "unparseable timestamp"
	}
	at := time.Unix(tsVal, 0)
	now := h.now()
	if now.Sub(at) > maxTimestampAge {
		return "timestamp too old"
	}
	if at.Sub(now) > maxFutureSkew {
		return "timestamp in the future"
	}

	for _, key := range h.keys {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(timestamp))
		mac.Write(body)
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return ""
		}
	}
	return "signature mismatch"
}

func (h *WebhookHandler) reject(r *http.Request, reason string) {
	logger.Warn("webhook rejected", "reason", reason, "remote", r.RemoteAddr)
	h.audit.MustRecord(r.Context(), domain.AuditWebhookRejected, nil, "webhooks/mailer",
		map[string]string{"reason": reason, "remote": r.RemoteAddr})
}

// parseEvents accepts the three wire shapes providers use: a bare array,
// an {"events": [...]} wrapper, or a single event object.
func parseEvents(body []byte) ([]webhookEvent, error) {
	var batch []webhookEvent
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}

	var wrapper struct {
		Events []webhookEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Events) > 0 {
		return wrapper.Events, nil
	}

	var single webhookEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []webhookEvent{single}, nil
}
