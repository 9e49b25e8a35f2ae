package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/goliatone/go-auth-actions/queue"
	goerrors "github.com/goliatone/go-errors"
)

const (
	// Topic carries outbound email jobs
	Topic       = "send-email"
	ContentType = "application/json"
	// Priority of account emails relative to other jobs
	Priority = 6
)

// Email is the payload of a send-email job. Attachments map a file name
// to its content.
type Email struct {
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Attachments map[string][]byte `json:"attachments,omitempty"`
}

// Mailer delivers a single email
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// MailerFunc adapts a function to the Mailer interface
type MailerFunc func(ctx context.Context, email Email) error

func (f MailerFunc) Send(ctx context.Context, email Email) error {
	return f(ctx, email)
}

// Message builds the queue message for email
func Message(email Email) (queue.Message, error) {
	if strings.TrimSpace(email.To) == "" {
		return queue.Message{}, goerrors.New("email recipient is required", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest)
	}

	payload, err := json.Marshal(email)
	if err != nil {
		return queue.Message{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode email")
	}

	return queue.Message{
		Topic:       Topic,
		ContentType: ContentType,
		Priority:    Priority,
		Payload:     payload,
	}, nil
}

// Enqueue records email on the send-email topic and returns the job id
func Enqueue(ctx context.Context, producer queue.Producer, email Email) (string, error) {
	msg, err := Message(email)
	if err != nil {
		return "", err
	}
	return producer.Enqueue(ctx, msg)
}

// Decode reads the email carried by job. Payloads that cannot be decoded
// are reported as non retryable so the worker buries the job.
func Decode(job *queue.Job) (Email, error) {
	var email Email
	if job.ContentType != ContentType {
		return email, goerrors.NewNonRetryable("unsupported email content type "+job.ContentType, goerrors.CategoryBadInput)
	}
	if err := json.Unmarshal(job.Payload, &email); err != nil {
		return email, goerrors.NewNonRetryable("undecodable email payload: "+err.Error(), goerrors.CategoryBadInput)
	}
	if email.To == "" {
		return email, goerrors.NewNonRetryable("email payload has no recipient", goerrors.CategoryBadInput)
	}
	return email, nil
}

// NewHandler returns the queue handler that delivers send-email jobs
func NewHandler(mailer Mailer) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
		email, err := Decode(job)
		if err != nil {
			return err
		}
		return mailer.Send(ctx, email)
	})
}
