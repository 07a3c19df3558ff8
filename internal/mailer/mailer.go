// Package mailer delivers rendered emails through a provider and receives
// the provider's feedback webhook.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/rangeops/rangehub/internal/pkg/logger"
)

// Attachment is an optional file carried with a message (calendar invite,
// VPN profile).
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one fully rendered outbound email.
type Message struct {
	To         string
	ToName     string
	Subject    string
	TextBody   string
	HTMLBody   string
	Attachment *Attachment
}

// Mailer delivers one message and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogMailer writes messages to the process log instead of sending them.
// Used in development and as the fallback when no provider is configured.
type LogMailer struct{}

// NewLogMailer creates a log-only mailer.
func NewLogMailer() *LogMailer { return &LogMailer{} }

// Send logs the message and fabricates a message id.
func (m *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	id := "log-" + uuid.New().String()
	attach := ""
	if msg.Attachment != nil {
		attach = fmt.Sprintf(" attachment=%s(%dB)", msg.Attachment.Filename, len(msg.Attachment.Data))
	}
	log.Printf("[LogMailer] To=%s Subject=%q%s id=%s", logger.RedactEmail(msg.To), msg.Subject, attach, id)
	return id, nil
}

// ClassifySendError prefixes a send failure with transient/permanent so the
// queue's last_error explains whether a retry can succeed. Network-level
// failures, throttling, and provider 5xx are transient; everything else
// (rejected recipient, bad content) is permanent.
func ClassifySendError(err error) string {
	if err == nil {
		return ""
	}
	if isTransientSendError(err) {
		return "transient: " + err.Error()
	}
	return "permanent: " + err.Error()
}

func isTransientSendError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"no such host", "throttl", "too many requests", "service unavailable",
		"internalfailure", "status 5",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
