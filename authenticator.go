package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultSessionTokenTTL applies when config does not set one
const DefaultSessionTokenTTL = 24 * time.Hour

// DefaultMaxFailedAttempts locks an account after this many bad passwords
const DefaultMaxFailedAttempts = 5

type SignInMessage struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IP       string `json:"-"`
}

func (m SignInMessage) Type() string { return "user.sign-in" }

func (m SignInMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Email, validation.Required, is.EmailFormat),
		validation.Field(&m.Password, validation.Required),
	)
}

// Session is what a verified session token says about its holder
type Session struct {
	UserID uuid.UUID `json:"uid"`
	Email  string    `json:"email"`
	Role   UserRole  `json:"role"`
}

// Auther signs users in and out and checks session tokens
type Auther struct {
	repo        RepositoryManager
	tokens      Tokens
	passwords   PasswordAuthenticator
	sessionTTL  time.Duration
	maxAttempts int
	clock       func() time.Time
	activity    ActivitySink
	logger      Logger
}

// NewAuthenticator returns a new Authenticator
func NewAuthenticator(repo RepositoryManager, tokens Tokens, opts Config) *Auther {
	a := &Auther{
		repo:        repo,
		tokens:      tokens,
		passwords:   BcryptPasswords,
		sessionTTL:  DefaultSessionTokenTTL,
		maxAttempts: DefaultMaxFailedAttempts,
		clock:       time.Now,
		activity:    noopActivitySink{},
		logger:      defLogger{},
	}

	if opts != nil {
		if ttl := opts.GetSessionTokenTTL(); ttl > 0 {
			a.sessionTTL = ttl
		}
		if n := opts.GetMaxFailedAttempts(); n >= 0 {
			a.maxAttempts = n
		}
	}

	return a
}

func (s *Auther) WithLogger(logger Logger) *Auther {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Auther) WithActivitySink(sink ActivitySink) *Auther {
	s.activity = normalizeActivitySink(sink)
	return s
}

func (s *Auther) WithClock(clock func() time.Time) *Auther {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Auther) WithPasswordAuthenticator(p PasswordAuthenticator) *Auther {
	if p != nil {
		s.passwords = p
	}
	return s
}

// SignIn checks the credentials and returns a session token. Unknown
// emails and bad passwords yield the same error.
func (s *Auther) SignIn(ctx context.Context, msg SignInMessage) (string, error) {
	if verr := goerrors.ValidateWithOzzo(msg.Validate, "invalid sign in request"); verr != nil {
		return "", verr
	}

	user, err := s.repo.Users().GetByEmail(ctx, msg.Email)
	if err != nil {
		if IsIdentityNotFound(err) {
			s.logger.Debug("sign in unknown email")
			s.emit(ctx, ActivityEventLoginFailure, nil, msg, map[string]any{"error": "unknown email"})
			return "", ErrMismatchedHashAndPassword.Clone()
		}
		return "", err
	}

	if err := s.passwords.ComparePasswordAndHash(msg.Password, user.PasswordHash); err != nil {
		if terr := s.trackFailure(ctx, user, msg.IP); terr != nil {
			s.logger.Error("failed to track failed sign in", "user_id", user.ID.String(), "error", terr)
		}
		s.emit(ctx, ActivityEventLoginFailure, user, msg, map[string]any{"error": "bad password"})
		return "", ErrMismatchedHashAndPassword.Clone()
	}

	if !user.IsConfirmed() {
		s.emit(ctx, ActivityEventLoginFailure, user, msg, map[string]any{"error": TextCodeAccountNotConfirmed})
		return "", ErrAccountNotConfirmed.Clone()
	}

	if user.IsLocked() {
		s.emit(ctx, ActivityEventLoginFailure, user, msg, map[string]any{"error": TextCodeAccountLocked})
		return "", ErrAccountLocked.Clone()
	}

	now := s.clock().UTC()
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.Users().TrackSignInTx(ctx, tx, user, msg.IP, now); err != nil {
			return err
		}
		_, err := s.repo.AuditLogs().AddTx(ctx, tx, user.ID, msg.IP, LogSignInSuccess, now)
		return err
	})
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to record sign in")
	}

	token, err := s.tokens.Issue(map[string]any{
		ClaimUserID: user.ID.String(),
		ClaimEmail:  user.Email,
		ClaimRole:   string(user.Role),
		ClaimAction: ActionSignIn,
	}, s.sessionTTL)
	if err != nil {
		return "", err
	}

	s.emit(ctx, ActivityEventLoginSuccess, user, msg, nil)

	return token, nil
}

// trackFailure counts the failed attempt and audits it. The account locks
// once the count reaches the configured maximum.
func (s *Auther) trackFailure(ctx context.Context, user *User, ip string) error {
	now := s.clock().UTC()
	return s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.Users().TrackFailedSignInTx(ctx, tx, user.ID, s.maxAttempts, now); err != nil {
			return err
		}
		_, err := s.repo.AuditLogs().AddTx(ctx, tx, user.ID, ip, LogSignInFailed, now)
		return err
	})
}

// Session verifies a session token
func (s *Auther) Session(token string) (*Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	if act, _ := claims[ClaimAction].(string); act != ActionSignIn {
		return nil, withMetadata(ErrTokenMalformed, map[string]any{"act": act})
	}

	id, ok := userIDFromClaim(claims)
	if !ok {
		return nil, withMetadata(ErrTokenMalformed, map[string]any{"claim": ClaimUserID})
	}

	email, _ := claims[ClaimEmail].(string)
	rawRole, _ := claims[ClaimRole].(string)
	role, ok := ParseRole(rawRole)
	if !ok {
		return nil, withMetadata(ErrTokenMalformed, map[string]any{"claim": ClaimRole})
	}

	return &Session{UserID: id, Email: email, Role: role}, nil
}

// Authorize verifies a session token and requires its role to be at least
// minRole
func (s *Auther) Authorize(token string, minRole UserRole) (*Session, error) {
	session, err := s.Session(token)
	if err != nil {
		return nil, err
	}
	if !session.Role.IsAtLeast(minRole) {
		return nil, withMetadata(ErrInsufficientRole, map[string]any{
			"role":     string(session.Role),
			"required": string(minRole),
		})
	}
	return session, nil
}

// SignOut audits the end of a session. Tokens are stateless, so the
// client is responsible for discarding it.
func (s *Auther) SignOut(ctx context.Context, token, ip string) error {
	session, err := s.Session(token)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := s.repo.AuditLogs().AddTx(ctx, tx, session.UserID, ip, LogSignOut, now)
		return err
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to record sign out")
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEvent{
		EventType:  ActivityEventLogout,
		UserID:     session.UserID.String(),
		Email:      session.Email,
		IP:         ip,
		OccurredAt: now,
	})

	return nil
}

// Logs returns the audit entries of the token holder, newest first.
// Guests have no history to list.
func (s *Auther) Logs(ctx context.Context, token string) ([]*AuditLog, error) {
	session, err := s.Authorize(token, RoleMember)
	if err != nil {
		return nil, err
	}
	return s.repo.AuditLogs().ListByUser(ctx, session.UserID, MaxLogEntries)
}

func (s *Auther) emit(ctx context.Context, eventType ActivityEventType, user *User, msg SignInMessage, meta map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		Email:      normalizeEmail(msg.Email),
		IP:         msg.IP,
		Metadata:   meta,
		OccurredAt: s.clock(),
	}
	if user != nil {
		event.UserID = user.ID.String()
	}
	recordActivity(ctx, s.activity, s.logger, event)
}
