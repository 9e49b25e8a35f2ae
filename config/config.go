package config

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

type BaseConfig struct {
	App         App         `koanf:"app" json:"app"`
	Auth        Auth        `koanf:"auth" json:"auth"`
	Persistence Persistence `koanf:"persistence" json:"persistence"`
	Queue       Queue       `koanf:"queue" json:"queue"`
	Mail        Mail        `koanf:"mail" json:"mail"`
}

type App struct {
	Name    string `koanf:"name" json:"name"`
	HomeURL string `koanf:"home_url" json:"home_url"`
	Address string `koanf:"address" json:"address"`
	Debug   bool   `koanf:"debug" json:"debug"`
}

type Auth struct {
	SigningKey                string `koanf:"signing_key" json:"signing_key"`
	ActionTokenTTLExpression  string `koanf:"action_token_ttl" json:"action_token_ttl"`
	SessionTokenTTLExpression string `koanf:"session_token_ttl" json:"session_token_ttl"`
	MaxFailedAttempts         int    `koanf:"max_failed_attempts" json:"max_failed_attempts"`
	BcryptCost                int    `koanf:"bcrypt_cost" json:"bcrypt_cost"`

	homeURL string
}

type Persistence struct {
	Driver string `koanf:"driver" json:"driver"`
	DSN    string `koanf:"dsn" json:"dsn"`
	Debug  bool   `koanf:"debug" json:"debug"`
}

type Queue struct {
	Backend                string `koanf:"backend" json:"backend"`
	RedisAddress           string `koanf:"redis_address" json:"redis_address"`
	RedisPrefix            string `koanf:"redis_prefix" json:"redis_prefix"`
	MaxRetries             int    `koanf:"max_retries" json:"max_retries"`
	ClaimTimeoutExpression string `koanf:"claim_timeout" json:"claim_timeout"`
	BaseBackoffExpression  string `koanf:"base_backoff" json:"base_backoff"`
	MaxBackoffExpression   string `koanf:"max_backoff" json:"max_backoff"`
	PollIntervalExpression string `koanf:"poll_interval" json:"poll_interval"`
	Workers                int    `koanf:"workers" json:"workers"`
}

type Mail struct {
	Driver string `koanf:"driver" json:"driver"`
	From   string `koanf:"from" json:"from"`
	Region string `koanf:"region" json:"region"`
}

const (
	PersistenceDriverSQLite = "sqlite"

	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"

	MailDriverLog = "log"
	MailDriverSES = "ses"
)

func (c BaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.App),
		validation.Field(&c.Auth),
		validation.Field(&c.Persistence),
		validation.Field(&c.Queue),
		validation.Field(&c.Mail),
	)
}

func (a App) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.HomeURL, validation.Required, is.URL),
		validation.Field(&a.Address, validation.Required),
	)
}

func (a Auth) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&a.ActionTokenTTLExpression, validation.Required, validation.By(isDuration)),
		validation.Field(&a.SessionTokenTTLExpression, validation.Required, validation.By(isDuration)),
		validation.Field(&a.MaxFailedAttempts, validation.Min(0)),
		validation.Field(&a.BcryptCost, validation.Min(0), validation.Max(31)),
	)
}

func (p Persistence) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Driver, validation.In(PersistenceDriverSQLite)),
		validation.Field(&p.DSN, validation.Required),
	)
}

func (q Queue) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Backend, validation.Required, validation.In(QueueBackendSQL, QueueBackendRedis)),
		validation.Field(&q.RedisAddress, validation.When(q.Backend == QueueBackendRedis, validation.Required)),
		validation.Field(&q.MaxRetries, validation.Min(0)),
		validation.Field(&q.ClaimTimeoutExpression, validation.By(isDuration)),
		validation.Field(&q.BaseBackoffExpression, validation.By(isDuration)),
		validation.Field(&q.MaxBackoffExpression, validation.By(isDuration)),
		validation.Field(&q.PollIntervalExpression, validation.By(isDuration)),
		validation.Field(&q.Workers, validation.Min(1)),
	)
}

func (m Mail) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Driver, validation.Required, validation.In(MailDriverLog, MailDriverSES)),
		validation.Field(&m.From, validation.Required, is.EmailFormat),
		validation.Field(&m.Region, validation.When(m.Driver == MailDriverSES, validation.Required)),
	)
}

func isDuration(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration: %w", err)
	}
	return nil
}

func (c *BaseConfig) GetApp() App { return c.App }

// GetAuth returns the auth section. It also carries the home URL used in
// notification links.
func (c *BaseConfig) GetAuth() Auth {
	a := c.Auth
	a.homeURL = c.App.HomeURL
	return a
}

func (c *BaseConfig) GetPersistence() Persistence { return c.Persistence }

func (c *BaseConfig) GetQueue() Queue { return c.Queue }

func (c *BaseConfig) GetMail() Mail { return c.Mail }

func (a App) GetAddress() string { return a.Address }

func (a Auth) GetSigningKey() string { return a.SigningKey }

func (a Auth) GetActionTokenTTL() time.Duration {
	return parseDuration(a.ActionTokenTTLExpression, 3*time.Hour)
}

func (a Auth) GetSessionTokenTTL() time.Duration {
	return parseDuration(a.SessionTokenTTLExpression, 24*time.Hour)
}

func (a Auth) GetMaxFailedAttempts() int { return a.MaxFailedAttempts }

func (a Auth) GetHomeURL() string { return a.homeURL }

func (a Auth) GetBcryptCost() int { return a.BcryptCost }

// GetDriver defaults to sqlite
func (p Persistence) GetDriver() string {
	if p.Driver == "" {
		return PersistenceDriverSQLite
	}
	return p.Driver
}

func (p Persistence) GetDSN() string { return p.DSN }

func (q Queue) GetClaimTimeout() time.Duration {
	return parseDuration(q.ClaimTimeoutExpression, 5*time.Minute)
}

func (q Queue) GetBaseBackoff() time.Duration {
	return parseDuration(q.BaseBackoffExpression, time.Second)
}

func (q Queue) GetMaxBackoff() time.Duration {
	return parseDuration(q.MaxBackoffExpression, 10*time.Minute)
}

func (q Queue) GetPollInterval() time.Duration {
	return parseDuration(q.PollIntervalExpression, time.Second)
}

func (q Queue) GetWorkers() int {
	if q.Workers <= 0 {
		return 1
	}
	return q.Workers
}

func parseDuration(expr string, def time.Duration) time.Duration {
	if expr == "" {
		return def
	}
	dur, err := time.ParseDuration(expr)
	if err != nil {
		return def
	}
	return dur
}
