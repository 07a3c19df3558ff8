package mailer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/rangeops/rangehub/internal/domain"
)

type fakeTemplates struct {
	byName map[string]*domain.EmailTemplate
}

func (f *fakeTemplates) GetTemplate(_ context.Context, name string) (*domain.EmailTemplate, error) {
	return f.byName[name], nil
}

func TestSubstituteBothPlaceholderForms(t *testing.T) {
	vars := map[string]string{"name": "Jane", "event_name": "Exercise 2026"}
	in := "Hello {{name}}, welcome to {{ event_name }}!"
	got := Substitute(in, vars)
	want := "Hello Jane, welcome to Exercise 2026!"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstituteLeavesUnknownPlaceholders(t *testing.T) {
	got := Substitute("Hi {{name}}, code: {{confirm_code}}", map[string]string{"name": "Jane"})
	want := "Hi Jane, code: {{confirm_code}}"
	if got != want {
		t.Errorf("unknown placeholder must stay intact: got %q", got)
	}
}

func TestRenderLoadsAndSubstitutes(t *testing.T) {
	r := NewRenderer(&fakeTemplates{byName: map[string]*domain.EmailTemplate{
		"invitation": {
			Name:     "invitation",
			Subject:  "You're invited, {{name}}",
			BodyText: "Confirm at {{confirm_url}}",
			BodyHTML: "<a href=\"{{confirm_url}}\">Confirm</a>",
			Enabled:  true,
		},
	}})

	msg, err := r.Render(context.Background(), "invitation", map[string]string{
		"name":        "Jane",
		"confirm_url": "https://hub/confirm/abc",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Subject != "You're invited, Jane" {
		t.Errorf("subject: %q", msg.Subject)
	}
	if msg.TextBody != "Confirm at https://hub/confirm/abc" {
		t.Errorf("text body: %q", msg.TextBody)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := NewRenderer(&fakeTemplates{byName: map[string]*domain.EmailTemplate{}})
	_, err := r.Render(context.Background(), "missing", nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{context.DeadlineExceeded, true},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{errors.New("ThrottlingException: rate exceeded"), true},
		{errors.New("status 503 service unavailable"), true},
		{errors.New("MessageRejected: address blacklisted"), false},
		{errors.New("BadRequestException: invalid content"), false},
	}
	for _, tc := range cases {
		got := ClassifySendError(tc.err)
		wantPrefix := "permanent: "
		if tc.transient {
			wantPrefix = "transient: "
		}
		if len(got) < len(wantPrefix) || got[:len(wantPrefix)] != wantPrefix {
			t.Errorf("ClassifySendError(%v) = %q, want prefix %q", tc.err, got, wantPrefix)
		}
	}
}

func TestLogMailerFabricatesID(t *testing.T) {
	m := NewLogMailer()
	id, err := m.Send(context.Background(), Message{To: "jane@example.org", Subject: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Error("expected a fabricated message id")
	}
}

func TestSESRawMessageCarriesAttachment(t *testing.T) {
	m := &SESMailer{fromEmail: "hub@range.example.org", fromName: "Range Hub"}
	raw, err := m.buildRawMessage(Message{
		To:       "jane@example.org",
		Subject:  "VPN profile",
		TextBody: "Attached.",
		Attachment: &Attachment{
			Filename:    "client.conf",
			ContentType: "text/plain",
			Data:        []byte("[Interface]\nPrivateKey = x\n"),
		},
	})
	if err != nil {
		t.Fatalf("buildRawMessage: %v", err)
	}
	for _, want := range []string{
		"Subject: VPN profile",
		"multipart/mixed",
		`attachment; filename="client.conf"`,
		"Content-Transfer-Encoding: base64",
	} {
		if !bytes.Contains(raw, []byte(want)) {
			t.Errorf("raw message missing %q", want)
		}
	}
}
