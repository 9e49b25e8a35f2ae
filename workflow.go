package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-auth-actions/notify"
	"github.com/goliatone/go-auth-actions/queue"
)

// RequestActionMessage asks for an action token to be mailed to Email
type RequestActionMessage struct {
	Action Action `json:"act"`
	Email  string `json:"email"`
}

func (m RequestActionMessage) Type() string { return "user.action.request" }

func (m RequestActionMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Email, validation.Required, is.EmailFormat),
		validation.Field(&m.Action, validation.Required, validation.In(actionValues()...)),
	)
}

// RedeemActionMessage presents a token for the action named by Action.
// Password is only read by reset password.
type RedeemActionMessage struct {
	Action   Action `json:"act"`
	Token    string `json:"token"`
	Password string `json:"password"`
	IP       string `json:"-"`
}

func (m RedeemActionMessage) Type() string { return "user.action.redeem" }

func (m RedeemActionMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Password,
			validation.When(m.Action == ActionResetPassword, validation.Required, validation.Length(8, 72)),
		),
	)
}

// redemption carries what an action policy needs inside the transaction
type redemption struct {
	ctx          context.Context
	tx           bun.IDB
	users        Users
	user         *User
	now          time.Time
	fingerprint  string
	passwordHash string
}

// ActionWorkflow issues action tokens through the job queue and redeems
// them against account state. Tokens are never stored: a replayed token is
// rejected because the account no longer satisfies the action guard.
type ActionWorkflow struct {
	repo      RepositoryManager
	tokens    Tokens
	producer  queue.Producer
	templates *Templates
	passwords PasswordAuthenticator
	ttl       time.Duration
	home      string
	clock     func() time.Time
	activity  ActivitySink
	logger    Logger
}

var (
	_ ActionIssuer   = (*ActionWorkflow)(nil)
	_ ActionRedeemer = (*ActionWorkflow)(nil)
)

func NewActionWorkflow(repo RepositoryManager, tokens Tokens, producer queue.Producer) *ActionWorkflow {
	return &ActionWorkflow{
		repo:      repo,
		tokens:    tokens,
		producer:  producer,
		templates: MustTemplates(nil),
		passwords: BcryptPasswords,
		ttl:       DefaultActionTokenTTL,
		clock:     time.Now,
		activity:  noopActivitySink{},
		logger:    defLogger{},
	}
}

// WithConfig applies the token TTL and home URL from cfg
func (w *ActionWorkflow) WithConfig(cfg Config) *ActionWorkflow {
	if cfg == nil {
		return w
	}
	if ttl := cfg.GetActionTokenTTL(); ttl > 0 {
		w.ttl = ttl
	}
	w.home = strings.TrimRight(cfg.GetHomeURL(), "/")
	return w
}

func (w *ActionWorkflow) WithTemplates(t *Templates) *ActionWorkflow {
	if t != nil {
		w.templates = t
	}
	return w
}

func (w *ActionWorkflow) WithPasswordAuthenticator(p PasswordAuthenticator) *ActionWorkflow {
	if p != nil {
		w.passwords = p
	}
	return w
}

func (w *ActionWorkflow) WithClock(clock func() time.Time) *ActionWorkflow {
	if clock != nil {
		w.clock = clock
	}
	return w
}

// WithActivitySink sets the sink used to emit action events.
func (w *ActionWorkflow) WithActivitySink(sink ActivitySink) *ActionWorkflow {
	w.activity = normalizeActivitySink(sink)
	return w
}

// WithLogger overrides the logger used by the workflow.
func (w *ActionWorkflow) WithLogger(logger Logger) *ActionWorkflow {
	if logger != nil {
		w.logger = logger
	}
	return w
}

// Request checks the account can take the action, issues a token and
// enqueues the email carrying it. Once the job is enqueued the request is
// committed; cancelling ctx afterwards does not remove it.
func (w *ActionWorkflow) Request(ctx context.Context, msg RequestActionMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during action request")
	default:
		return w.request(ctx, msg)
	}
}

func (w *ActionWorkflow) request(ctx context.Context, msg RequestActionMessage) error {
	if verr := goerrors.ValidateWithOzzo(msg.Validate, "invalid action request"); verr != nil {
		return verr
	}

	policy, err := msg.Action.policy()
	if err != nil {
		return err
	}

	user, err := w.repo.Users().GetByEmail(ctx, msg.Email)
	if err != nil {
		return err
	}

	if !policy.ready(user) {
		return withMetadata(ErrPreconditionFailed, map[string]any{
			"act":   msg.Action.String(),
			"email": user.Email,
		})
	}

	token, err := w.tokens.Issue(msg.Action.claims(user), w.ttl)
	if err != nil {
		return err
	}

	subject, body, err := w.templates.Render(policy.template, NotificationData{
		Email:  user.Email,
		Token:  token,
		Home:   w.home,
		Action: msg.Action.String(),
		TTL:    w.ttl,
	})
	if err != nil {
		return err
	}

	jobID, err := notify.Enqueue(ctx, w.producer, notify.Email{
		To:      user.Email,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		w.logger.Error("failed to enqueue action email", "act", msg.Action.String(), "error", err)
		return err
	}

	w.logger.Info("action email enqueued", "act", msg.Action.String(), "user_id", user.ID.String(), "job_id", jobID)

	recordActivity(ctx, w.activity, w.logger, ActivityEvent{
		EventType:  ActivityEventActionRequested,
		UserID:     user.ID.String(),
		Email:      user.Email,
		Action:     msg.Action,
		Metadata:   map[string]any{"job_id": jobID},
		OccurredAt: w.clock(),
	})

	return nil
}

// Redeem verifies the token and applies its action in one transaction.
// Token problems, an act mismatch or an unknown account return
// ErrBadRequest; a token whose action already took effect returns
// ErrAlreadyApplied. A reset password must be 8 to 72 characters.
func (w *ActionWorkflow) Redeem(ctx context.Context, msg RedeemActionMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during action redemption")
	default:
		return w.redeem(ctx, msg)
	}
}

func (w *ActionWorkflow) redeem(ctx context.Context, msg RedeemActionMessage) error {
	policy, err := msg.Action.policy()
	if err != nil {
		return err
	}

	if verr := goerrors.ValidateWithOzzo(msg.Validate, "invalid action redemption"); verr != nil {
		return verr
	}

	claims, err := w.tokens.Verify(msg.Token)
	if err != nil {
		w.logger.Debug("action token rejected", "act", msg.Action.String(), "error", err)
		return badRequest(err)
	}

	if act, _ := claims[ClaimAction].(string); act != msg.Action.String() {
		w.logger.Debug("action token act mismatch", "expected", msg.Action.String(), "got", act)
		return badRequest(nil)
	}

	email, _ := claims[ClaimEmail].(string)
	if email == "" {
		return badRequest(nil)
	}

	r := &redemption{}

	if msg.Action == ActionResetPassword {
		fp, _ := claims[ClaimPassword].(string)
		if fp == "" {
			return badRequest(nil)
		}
		hash, err := w.passwords.HashPassword(msg.Password)
		if err != nil {
			return err
		}
		r.fingerprint = fp
		r.passwordHash = hash
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err = w.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := w.repo.Users().GetByEmailTx(ctx, tx, email)
		if err != nil {
			if IsIdentityNotFound(err) {
				return badRequest(err)
			}
			return err
		}

		if !policy.ready(user) {
			return withMetadata(ErrAlreadyApplied, map[string]any{"act": msg.Action.String()})
		}

		r.ctx = ctx
		r.tx = tx
		r.users = w.repo.Users()
		r.user = user
		r.now = w.clock().UTC()

		n, err := policy.apply(r)
		if err != nil {
			return err
		}
		if n == 0 {
			return withMetadata(ErrAlreadyApplied, map[string]any{"act": msg.Action.String()})
		}

		if _, err := w.repo.AuditLogs().AddTx(ctx, tx, user.ID, msg.IP, policy.audit, r.now); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to record audit log")
		}

		return nil
	})

	if err != nil {
		if isSerializationFailure(err) {
			return goerrors.Wrap(err, ErrTransactionConflict.Category, ErrTransactionConflict.Message).
				WithTextCode(TextCodeTransactionConflict).
				WithCode(goerrors.CodeConflict)
		}
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to redeem action token")
	}

	w.logger.Info("action redeemed", "act", msg.Action.String(), "user_id", r.user.ID.String())

	recordActivity(ctx, w.activity, w.logger, ActivityEvent{
		EventType:  ActivityEventActionRedeemed,
		UserID:     r.user.ID.String(),
		Email:      r.user.Email,
		Action:     msg.Action,
		IP:         msg.IP,
		OccurredAt: r.now,
	})

	return nil
}

func badRequest(cause error) error {
	if cause == nil {
		return ErrBadRequest.Clone()
	}
	return goerrors.Wrap(cause, ErrBadRequest.Category, ErrBadRequest.Message).
		WithTextCode(TextCodeBadRequest).
		WithCode(goerrors.CodeBadRequest)
}

// primary SQLite result codes, for drivers that expose them through Code()
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// isSerializationFailure reports lost races between transactions:
// SQLite busy/locked and Postgres serialization or deadlock errors.
// sqliteshim picks mattn/go-sqlite3 under cgo and modernc.org/sqlite
// otherwise; the latter reports extended codes through Code().
func isSerializationFailure(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
		return false
	}

	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

func actionValues() []any {
	actions := Actions()
	out := make([]any, len(actions))
	for i, a := range actions {
		out[i] = a
	}
	return out
}

// userIDFromClaim parses the uid claim of a session token
func userIDFromClaim(claims map[string]any) (uuid.UUID, bool) {
	raw, _ := claims[ClaimUserID].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
