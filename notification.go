package auth

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// MessageTemplate is the subject and body of one notification, as
// text/template sources
type MessageTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NotificationData is passed to templates
type NotificationData struct {
	Email  string
	Token  string
	Home   string
	Action string
	TTL    time.Duration
}

// DefaultMessageTemplates are keyed by action template name. Links are
// served by RegisterActionRoutes under Home.
var DefaultMessageTemplates = map[string]MessageTemplate{
	"confirm": {
		Subject: "Confirm your account",
		Body: `Hello {{.Email}},

Please confirm your account by opening the link below:

{{.Home}}/users/confirm/{{.Token}}

The link is valid for {{.TTL}}.
`,
	},
	"unlock": {
		Subject: "Unlock your account",
		Body: `Hello {{.Email}},

Your account was locked after too many failed sign in attempts.
Open the link below to unlock it:

{{.Home}}/users/unlock/{{.Token}}

The link is valid for {{.TTL}}.
`,
	},
	"reset-password": {
		Subject: "Reset your password",
		Body: `Hello {{.Email}},

Someone asked to reset the password of your account. If it was you,
open the link below and choose a new password:

{{.Home}}/users/reset-password?token={{.Token}}

The link is valid for {{.TTL}}. You can ignore this email otherwise.
`,
	},
}

// Templates renders notification subjects and bodies
type Templates struct {
	subjects map[string]*template.Template
	bodies   map[string]*template.Template
}

// NewTemplates parses defs. Keys missing from defs fall back to
// DefaultMessageTemplates.
func NewTemplates(defs map[string]MessageTemplate) (*Templates, error) {
	t := &Templates{
		subjects: map[string]*template.Template{},
		bodies:   map[string]*template.Template{},
	}

	merged := make(map[string]MessageTemplate, len(DefaultMessageTemplates))
	for k, v := range DefaultMessageTemplates {
		merged[k] = v
	}
	for k, v := range defs {
		merged[k] = v
	}

	for name, def := range merged {
		subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(def.Subject)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "invalid subject template").
				WithMetadata(map[string]any{"template": name})
		}
		body, err := template.New(name + ".body").Option("missingkey=error").Parse(def.Body)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "invalid body template").
				WithMetadata(map[string]any{"template": name})
		}
		t.subjects[name] = subject
		t.bodies[name] = body
	}

	return t, nil
}

// MustTemplates is NewTemplates for static definitions
func MustTemplates(defs map[string]MessageTemplate) *Templates {
	t, err := NewTemplates(defs)
	if err != nil {
		panic(err)
	}
	return t
}

// Render returns the subject and body for template name
func (t *Templates) Render(name string, data NotificationData) (string, string, error) {
	subject, ok := t.subjects[name]
	if !ok {
		return "", "", goerrors.New("unknown notification template", goerrors.CategoryInternal).
			WithMetadata(map[string]any{"template": name})
	}

	var sb, bb bytes.Buffer
	if err := subject.Execute(&sb, data); err != nil {
		return "", "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to render subject")
	}
	if err := t.bodies[name].Execute(&bb, data); err != nil {
		return "", "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to render body")
	}

	return strings.TrimSpace(sb.String()), bb.String(), nil
}
