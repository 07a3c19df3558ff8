package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"mime/multipart"
	"net/textproto"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/rangeops/rangehub/internal/pkg/logger"
)

// SESMailer sends through AWS SES using the SDK v2. Messages without an
// attachment use the simple content API; attachments require a raw MIME
// message.
type SESMailer struct {
	fromEmail string
	fromName  string
	client    *sesv2.Client
}

// NewSESMailer creates an SES mailer. The client stays nil when credentials
// are missing; Send then fails with a configuration error.
func NewSESMailer(accessKey, secretKey, region, fromEmail, fromName string) *SESMailer {
	if region == "" {
		region = "us-west-2"
	}

	m := &SESMailer{fromEmail: fromEmail, fromName: fromName}

	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			log.Printf("[SES] Warning: failed to initialize AWS config: %v", err)
		} else {
			m.client = sesv2.NewFromConfig(cfg)
		}
	}

	return m
}

// Send delivers a single email through SES.
func (m *SESMailer) Send(ctx context.Context, msg Message) (string, error) {
	if m.client == nil {
		return "", fmt.Errorf("SES client not initialized - check credentials")
	}

	var input *sesv2.SendEmailInput
	if msg.Attachment != nil {
		raw, err := m.buildRawMessage(msg)
		if err != nil {
			return "", fmt.Errorf("build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			Content: &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		}
	} else {
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", m.fromName, m.fromEmail)),
			Destination:      &types.Destination{ToAddresses: []string{msg.To}},
			Content: &types.EmailContent{
				Simple: &types.Message{
					Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
					Body:    &types.Body{},
				},
			},
		}
		if msg.HTMLBody != "" {
			input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
		}
		if msg.TextBody != "" {
			input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
		}
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return "", err
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
	return messageID, nil
}

// buildRawMessage assembles a multipart/mixed MIME message: an
// alternative part with the text and HTML bodies, then the attachment as
// base64.
func (m *SESMailer) buildRawMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s <%s>\r\n", m.fromName, m.fromEmail)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if msg.TextBody != "" {
		part, err := altWriter.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/plain; charset=UTF-8"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(msg.TextBody)); err != nil {
			return nil, err
		}
	}
	if msg.HTMLBody != "" {
		part, err := altWriter.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/html; charset=UTF-8"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(msg.HTMLBody)); err != nil {
			return nil, err
		}
	}
	if err := altWriter.Close(); err != nil {
		return nil, err
	}

	bodyPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary())},
	})
	if err != nil {
		return nil, err
	}
	if _, err := bodyPart.Write(alt.Bytes()); err != nil {
		return nil, err
	}

	a := msg.Attachment
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	attachPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", a.Filename)},
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(a.Data)
	if _, err := attachPart.Write([]byte(encoded)); err != nil {
		return nil, err
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
