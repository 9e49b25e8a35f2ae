package auth_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/goliatone/go-auth-actions"
	"github.com/goliatone/go-auth-actions/notify"
	"github.com/goliatone/go-auth-actions/queue"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

// MockConfig implements auth.Config
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) GetSigningKey() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockConfig) GetActionTokenTTL() time.Duration {
	args := m.Called()
	return args.Get(0).(time.Duration)
}

func (m *MockConfig) GetSessionTokenTTL() time.Duration {
	args := m.Called()
	return args.Get(0).(time.Duration)
}

func (m *MockConfig) GetMaxFailedAttempts() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockConfig) GetHomeURL() string {
	args := m.Called()
	return args.String(0)
}

func newMockConfig() *MockConfig {
	cfg := new(MockConfig)
	cfg.On("GetSigningKey").Return(testSigningKey).Maybe()
	cfg.On("GetActionTokenTTL").Return(3 * time.Hour).Maybe()
	cfg.On("GetSessionTokenTTL").Return(24 * time.Hour).Maybe()
	cfg.On("GetMaxFailedAttempts").Return(3).Maybe()
	cfg.On("GetHomeURL").Return("https://accounts.example.com/").Maybe()
	return cfg
}

// MockIssuer implements auth.ActionIssuer
type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) Request(ctx context.Context, msg auth.RequestActionMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockRedeemer implements auth.ActionRedeemer
type MockRedeemer struct {
	mock.Mock
}

func (m *MockRedeemer) Redeem(ctx context.Context, msg auth.RedeemActionMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type capturingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (c *capturingSink) Record(ctx context.Context, evt auth.ActivityEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capturingSink) types() []auth.ActivityEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryProducer records enqueued messages
type memoryProducer struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (p *memoryProducer) Enqueue(ctx context.Context, msg queue.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("job-%d", len(p.messages)), nil
}

func (p *memoryProducer) emails(t *testing.T) []notify.Email {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]notify.Email, 0, len(p.messages))
	for _, msg := range p.messages {
		email, err := notify.Decode(&queue.Job{
			Topic:       msg.Topic,
			ContentType: msg.ContentType,
			Payload:     msg.Payload,
		})
		require.NoError(t, err)
		out = append(out, email)
	}
	return out
}

var tokenPattern = regexp.MustCompile(`[\w-]{10,}\.[\w-]{10,}\.[\w-]{10,}`)

// lastToken extracts the token from the most recent email
func (p *memoryProducer) lastToken(t *testing.T) string {
	t.Helper()
	emails := p.emails(t)
	require.NotEmpty(t, emails, "no email enqueued")
	token := tokenPattern.FindString(emails[len(emails)-1].Body)
	require.NotEmpty(t, token, "no token in email body")
	return token
}

var dbCounter atomic.Int64

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:auth_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	_, err = auth.Migrate(context.Background(), db, nil)
	require.NoError(t, err)

	return db
}

type fixture struct {
	db       *bun.DB
	repo     auth.RepositoryManager
	clock    *fakeClock
	tokens   *auth.TokenService
	producer *memoryProducer
	sink     *capturingSink
	workflow *auth.ActionWorkflow
	config   *MockConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	f := &fixture{
		db:       db,
		repo:     auth.NewRepositoryManager(db),
		clock:    newFakeClock(),
		producer: &memoryProducer{},
		sink:     &capturingSink{},
		config:   newMockConfig(),
	}
	f.tokens = auth.NewTokenService([]byte(testSigningKey), auth.WithClock(f.clock.Now))
	f.workflow = auth.NewActionWorkflow(f.repo, f.tokens, f.producer).
		WithConfig(f.config).
		WithClock(f.clock.Now).
		WithActivitySink(f.sink)
	return f
}

// createUser inserts an account with password "password123"
func (f *fixture) createUser(t *testing.T, email string, mutate ...func(*auth.User)) *auth.User {
	t.Helper()

	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)

	user := &auth.User{
		Email:        email,
		PasswordHash: hash,
		Role:         auth.RoleMember,
	}
	for _, fn := range mutate {
		fn(user)
	}

	created, err := f.repo.Users().Register(context.Background(), user)
	require.NoError(t, err)
	return created
}

func (f *fixture) reload(t *testing.T, email string) *auth.User {
	t.Helper()
	user, err := f.repo.Users().GetByEmail(context.Background(), email)
	require.NoError(t, err)
	return user
}

func (f *fixture) auditMessages(t *testing.T, user *auth.User) []string {
	t.Helper()
	logs, err := f.repo.AuditLogs().ListByUser(context.Background(), user.ID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func confirmed(at time.Time) func(*auth.User) {
	return func(u *auth.User) { u.ConfirmedAt = &at }
}

func locked(at time.Time) func(*auth.User) {
	return func(u *auth.User) {
		u.LockedAt = &at
		u.FailedAttempts = 3
	}
}

func countOf(items []string, want string) int {
	n := 0
	for _, it := range items {
		if strings.EqualFold(it, want) {
			n++
		}
	}
	return n
}
