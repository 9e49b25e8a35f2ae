package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	goerrors "github.com/goliatone/go-errors"
)

// SESAPI is the subset of the SES v2 client used by SESMailer
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESMailer delivers email through Amazon SES
type SESMailer struct {
	client SESAPI
	from   string
}

func NewSESMailer(client SESAPI, from string) *SESMailer {
	return &SESMailer{client: client, from: from}
}

// NewSESMailerFromConfig builds the SES client from an AWS config
func NewSESMailerFromConfig(cfg aws.Config, from string) *SESMailer {
	return NewSESMailer(sesv2.NewFromConfig(cfg), from)
}

func (m *SESMailer) Send(ctx context.Context, email Email) error {
	content := &types.EmailContent{}

	if len(email.Attachments) == 0 {
		content.Simple = &types.Message{
			Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(email.Body), Charset: aws.String("UTF-8")},
			},
		}
	} else {
		raw, err := m.rawMessage(email)
		if err != nil {
			return goerrors.NewNonRetryable("failed to build raw email: "+err.Error(), goerrors.CategoryInternal)
		}
		content.Raw = &types.RawMessage{Data: raw}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: []string{email.To},
		},
		Content: content,
	}

	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "ses send email failed").
			WithMetadata(map[string]any{"to": email.To})
	}
	return nil
}

func (m *SESMailer) rawMessage(email Email) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.from)
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	body, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := body.Write([]byte(email.Body)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(email.Attachments))
	for name := range email.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctype := mime.TypeByExtension(filepath.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ctype},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.NewEncoder(base64.StdEncoding, part)
		if _, err := enc.Write(email.Attachments[name]); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
