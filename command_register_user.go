package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type RegisterUserMessage struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IP       string `json:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.EmailFormat, validation.Length(3, 254)),
		validation.Field(&e.Password, validation.Required, validation.Length(8, 72)),
	)
}

// RegisterUserHandler creates an unconfirmed account and requests its
// confirmation token
type RegisterUserHandler struct {
	repo      RepositoryManager
	issuer    ActionIssuer
	passwords PasswordAuthenticator
	clock     func() time.Time
	activity  ActivitySink
	logger    Logger
}

func NewRegisterUserHandler(repo RepositoryManager, issuer ActionIssuer) *RegisterUserHandler {
	return &RegisterUserHandler{
		repo:      repo,
		issuer:    issuer,
		passwords: BcryptPasswords,
		clock:     time.Now,
		activity:  noopActivitySink{},
		logger:    defLogger{},
	}
}

func (h *RegisterUserHandler) WithClock(clock func() time.Time) *RegisterUserHandler {
	if clock != nil {
		h.clock = clock
	}
	return h
}

func (h *RegisterUserHandler) WithActivitySink(sink ActivitySink) *RegisterUserHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

func (h *RegisterUserHandler) WithLogger(logger Logger) *RegisterUserHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	if verr := goerrors.ValidateWithOzzo(event.Validate, "invalid sign up request"); verr != nil {
		return verr
	}

	hash, err := h.passwords.HashPassword(event.Password)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	user := &User{
		Email:        event.Email,
		PasswordHash: hash,
		Role:         RoleMember,
	}

	txCtx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err = h.repo.RunInTx(txCtx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.repo.Users().GetByEmailTx(ctx, tx, event.Email); err == nil {
			return withMetadata(ErrEmailAlreadyExists, map[string]any{"email": normalizeEmail(event.Email)})
		} else if !IsIdentityNotFound(err) {
			return err
		}

		now := h.clock().UTC()
		user.CreatedAt = &now
		user.UpdatedAt = &now

		created, err := h.repo.Users().RegisterTx(ctx, tx, user)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create user")
		}
		user = created

		if _, err := h.repo.AuditLogs().AddTx(ctx, tx, user.ID, event.IP, LogSignUp, now); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to record audit log")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}

		return goerrors.Wrap(err, goerrors.CategoryInternal, "user registration transaction failed")
	}

	h.logger.Info("user registered", "user_id", user.ID.String())

	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType:  ActivityEventSignUp,
		UserID:     user.ID.String(),
		Email:      user.Email,
		IP:         event.IP,
		OccurredAt: h.clock(),
	})

	// the account exists at this point; a failed confirmation request can
	// be retried through the confirm endpoint
	return h.issuer.Request(ctx, RequestActionMessage{
		Action: ActionConfirm,
		Email:  user.Email,
	})
}
