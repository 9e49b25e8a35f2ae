package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-auth-actions"
	"github.com/goliatone/go-auth-actions/notify"
	"github.com/goliatone/go-auth-actions/queue"
)

func TestConfirmFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "new@example.com")

	err := f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionConfirm, Email: "New@Example.com"})
	require.NoError(t, err)

	emails := f.producer.emails(t)
	require.Len(t, emails, 1)
	assert.Equal(t, "new@example.com", emails[0].To)
	assert.Equal(t, "Confirm your account", emails[0].Subject)
	assert.Contains(t, emails[0].Body, "https://accounts.example.com/users/confirm/")

	f.producer.mu.Lock()
	assert.Equal(t, notify.Topic, f.producer.messages[0].Topic)
	assert.Equal(t, notify.Priority, f.producer.messages[0].Priority)
	f.producer.mu.Unlock()

	token := f.producer.lastToken(t)

	err = f.workflow.Redeem(ctx, auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: token, IP: "10.0.0.1"})
	require.NoError(t, err)

	reloaded := f.reload(t, user.Email)
	require.NotNil(t, reloaded.ConfirmedAt)
	assert.WithinDuration(t, f.clock.Now(), *reloaded.ConfirmedAt, time.Second)

	err = f.workflow.Redeem(ctx, auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: token})
	require.Error(t, err)
	assert.True(t, auth.IsAlreadyApplied(err))

	assert.Equal(t, 1, countOf(f.auditMessages(t, user), "confirm"))
	assert.Equal(t, []auth.ActivityEventType{
		auth.ActivityEventActionRequested,
		auth.ActivityEventActionRedeemed,
	}, f.sink.types())
}

func TestUnlockFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "locked@example.com", confirmed(f.clock.Now()), locked(f.clock.Now()))

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionUnlock, Email: user.Email}))
	token := f.producer.lastToken(t)
	assert.Contains(t, f.producer.emails(t)[0].Body, "/users/unlock/"+token)

	require.NoError(t, f.workflow.Redeem(ctx, auth.RedeemActionMessage{Action: auth.ActionUnlock, Token: token}))

	reloaded := f.reload(t, user.Email)
	assert.Nil(t, reloaded.LockedAt)
	assert.Zero(t, reloaded.FailedAttempts)

	err := f.workflow.Redeem(ctx, auth.RedeemActionMessage{Action: auth.ActionUnlock, Token: token})
	assert.True(t, auth.IsAlreadyApplied(err))
	assert.Equal(t, 1, countOf(f.auditMessages(t, user), "unlock"))
}

func TestResetPasswordFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "member@example.com", confirmed(f.clock.Now()))

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: user.Email}))
	token := f.producer.lastToken(t)
	assert.Contains(t, f.producer.emails(t)[0].Body, "/users/reset-password?token="+token)

	err := f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action:   auth.ActionResetPassword,
		Token:    token,
		Password: "brand-new-secret",
	})
	require.NoError(t, err)

	reloaded := f.reload(t, user.Email)
	assert.NoError(t, auth.ComparePasswordAndHash("brand-new-secret", reloaded.PasswordHash))
	assert.Error(t, auth.ComparePasswordAndHash("password123", reloaded.PasswordHash))
	require.NotNil(t, reloaded.PasswordChangedAt)

	err = f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action:   auth.ActionResetPassword,
		Token:    token,
		Password: "another-secret-1",
	})
	assert.True(t, auth.IsAlreadyApplied(err))

	reloaded = f.reload(t, user.Email)
	assert.NoError(t, auth.ComparePasswordAndHash("brand-new-secret", reloaded.PasswordHash))
	assert.Equal(t, 1, countOf(f.auditMessages(t, user), "reset password"))
}

func TestResetPasswordUnconfirmedAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "pending@example.com")

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: user.Email}))
	token := f.producer.lastToken(t)

	require.NoError(t, f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action: auth.ActionResetPassword, Token: token, Password: "brand-new-secret",
	}))

	reloaded := f.reload(t, user.Email)
	assert.NoError(t, auth.ComparePasswordAndHash("brand-new-secret", reloaded.PasswordHash))
	assert.Nil(t, reloaded.ConfirmedAt)
	assert.Equal(t, 1, countOf(f.auditMessages(t, user), "reset password"))
}

func TestResetPasswordRejectsInvalidPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "member@example.com", confirmed(f.clock.Now()))

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: user.Email}))
	token := f.producer.lastToken(t)

	for _, password := range []string{"", "short", strings.Repeat("x", 73)} {
		err := f.workflow.Redeem(ctx, auth.RedeemActionMessage{
			Action: auth.ActionResetPassword, Token: token, Password: password,
		})
		require.Error(t, err)

		var richErr *goerrors.Error
		require.True(t, goerrors.As(err, &richErr))
		assert.Equal(t, goerrors.CategoryValidation, richErr.Category)
		require.NotEmpty(t, richErr.ValidationErrors)
		assert.Equal(t, "password", richErr.ValidationErrors[0].Field)
	}

	reloaded := f.reload(t, user.Email)
	assert.NoError(t, auth.ComparePasswordAndHash("password123", reloaded.PasswordHash))
	assert.Nil(t, reloaded.PasswordChangedAt)
	assert.Empty(t, f.auditMessages(t, user))

	// the token is still good for a valid password
	require.NoError(t, f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action: auth.ActionResetPassword, Token: token, Password: "brand-new-secret",
	}))
}

func TestResetPasswordSupersededByNewerReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "member@example.com", confirmed(f.clock.Now()))

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: user.Email}))
	first := f.producer.lastToken(t)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: user.Email}))
	second := f.producer.lastToken(t)
	require.NotEqual(t, first, second)

	require.NoError(t, f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action: auth.ActionResetPassword, Token: second, Password: "second-secret",
	}))

	err := f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action: auth.ActionResetPassword, Token: first, Password: "first-secret",
	})
	assert.True(t, auth.IsAlreadyApplied(err))

	reloaded := f.reload(t, user.Email)
	assert.NoError(t, auth.ComparePasswordAndHash("second-secret", reloaded.PasswordHash))
}

func TestResetPasswordExpiredToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cfg := new(MockConfig)
	cfg.On("GetActionTokenTTL").Return(time.Second)
	cfg.On("GetHomeURL").Return("https://accounts.example.com")
	f.workflow.WithConfig(cfg)

	user := f.createUser(t, "member@example.com", confirmed(f.clock.Now()))

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: user.Email}))
	token := f.producer.lastToken(t)

	f.clock.Advance(2 * time.Second)

	err := f.workflow.Redeem(ctx, auth.RedeemActionMessage{
		Action: auth.ActionResetPassword, Token: token, Password: "too-late-secret",
	})
	require.Error(t, err)
	assert.True(t, auth.IsBadRequest(err))

	reloaded := f.reload(t, user.Email)
	assert.NoError(t, auth.ComparePasswordAndHash("password123", reloaded.PasswordHash))
	assert.Nil(t, reloaded.PasswordChangedAt)
	assert.Empty(t, f.auditMessages(t, user))
}

func TestRequestPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()

	f.createUser(t, "confirmed@example.com", confirmed(now))
	f.createUser(t, "pending@example.com")

	tests := []struct {
		name  string
		msg   auth.RequestActionMessage
		check func(error) bool
	}{
		{
			name:  "confirm already confirmed",
			msg:   auth.RequestActionMessage{Action: auth.ActionConfirm, Email: "confirmed@example.com"},
			check: auth.IsPreconditionFailed,
		},
		{
			name:  "unlock not locked",
			msg:   auth.RequestActionMessage{Action: auth.ActionUnlock, Email: "confirmed@example.com"},
			check: auth.IsPreconditionFailed,
		},
		{
			name:  "unlock pending account",
			msg:   auth.RequestActionMessage{Action: auth.ActionUnlock, Email: "pending@example.com"},
			check: auth.IsPreconditionFailed,
		},
		{
			name:  "unknown account",
			msg:   auth.RequestActionMessage{Action: auth.ActionResetPassword, Email: "ghost@example.com"},
			check: auth.IsIdentityNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.workflow.Request(ctx, tt.msg)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	assert.Empty(t, f.producer.emails(t))
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	err := f.workflow.Request(context.Background(), auth.RequestActionMessage{Action: auth.ActionConfirm, Email: "nope"})
	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, goerrors.CategoryValidation, richErr.Category)
	assert.NotEmpty(t, richErr.ValidationErrors)
}

func TestRequestQueueUnavailable(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "pending@example.com")
	f.producer.err = queue.ErrQueueUnavailable.Clone()

	err := f.workflow.Request(context.Background(), auth.RequestActionMessage{Action: auth.ActionConfirm, Email: "pending@example.com"})
	require.Error(t, err)
	assert.True(t, queue.IsQueueUnavailable(err))
	assert.Empty(t, f.sink.types())
}

func TestRequestCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "pending@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionConfirm, Email: "pending@example.com"})
	require.Error(t, err)
	assert.Empty(t, f.producer.emails(t))
}

func TestRedeemRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "pending@example.com")

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionConfirm, Email: user.Email}))
	confirmToken := f.producer.lastToken(t)

	ghostToken, err := f.tokens.Issue(map[string]any{
		auth.ClaimAction: auth.ActionConfirm.String(),
		auth.ClaimEmail:  "ghost@example.com",
	}, time.Hour)
	require.NoError(t, err)

	noEmailToken, err := f.tokens.Issue(map[string]any{
		auth.ClaimAction: auth.ActionConfirm.String(),
	}, time.Hour)
	require.NoError(t, err)

	otherKey := auth.NewTokenService([]byte("some-other-signing-key-0123456789"), auth.WithClock(f.clock.Now))
	forged, err := otherKey.Issue(map[string]any{
		auth.ClaimAction: auth.ActionConfirm.String(),
		auth.ClaimEmail:  user.Email,
	}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  auth.RedeemActionMessage
	}{
		{"garbage", auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: "garbage"}},
		{"act mismatch", auth.RedeemActionMessage{Action: auth.ActionUnlock, Token: confirmToken}},
		{"unknown account", auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: ghostToken}},
		{"missing email claim", auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: noEmailToken}},
		{"foreign signature", auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: forged}},
		{"reset without fingerprint", auth.RedeemActionMessage{Action: auth.ActionResetPassword, Token: confirmToken, Password: "long-enough-secret"}},
		{"unknown action", auth.RedeemActionMessage{Action: "users.delete", Token: confirmToken}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.workflow.Redeem(ctx, tt.msg)
			require.Error(t, err)
			assert.True(t, auth.IsBadRequest(err), "unexpected error: %v", err)
		})
	}

	assert.Nil(t, f.reload(t, user.Email).ConfirmedAt)
}

func TestRedeemConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "pending@example.com")

	require.NoError(t, f.workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionConfirm, Email: user.Email}))
	token := f.producer.lastToken(t)

	const workers = 8
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = f.workflow.Redeem(ctx, auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: token})
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, auth.IsAlreadyApplied(err) || auth.IsTransactionConflict(err), "unexpected error: %v", err)
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, countOf(f.auditMessages(t, user), "confirm"))
}

func TestActionEmailDeliveredThroughQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "pending@example.com")

	store := queue.NewSQLStore(f.db, queue.WithClock(f.clock.Now))
	workflow := auth.NewActionWorkflow(f.repo, f.tokens, store).
		WithConfig(f.config).
		WithClock(f.clock.Now)

	require.NoError(t, workflow.Request(ctx, auth.RequestActionMessage{Action: auth.ActionConfirm, Email: user.Email}))

	var delivered []notify.Email
	pool := queue.NewPool(store).Register(notify.Topic, notify.NewHandler(notify.MailerFunc(
		func(ctx context.Context, email notify.Email) error {
			delivered = append(delivered, email)
			return nil
		},
	)))

	processed, err := pool.ProcessNext(ctx, notify.Topic)
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, delivered, 1)

	token := tokenPattern.FindString(delivered[0].Body)
	require.NotEmpty(t, token)

	require.NoError(t, workflow.Redeem(ctx, auth.RedeemActionMessage{Action: auth.ActionConfirm, Token: token}))
	assert.True(t, f.reload(t, user.Email).IsConfirmed())
}
