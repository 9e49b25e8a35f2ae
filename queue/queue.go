package queue

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultMaxRetries   = 5
	DefaultClaimTimeout = 5 * time.Minute
)

// Producer records jobs for later processing
type Producer interface {
	// Enqueue durably records the job and returns its id
	Enqueue(ctx context.Context, msg Message) (string, error)
}

// Consumer claims and settles jobs
type Consumer interface {
	// Dequeue claims the highest priority, oldest pending job for topic.
	// It returns nil, nil when there is nothing to claim.
	Dequeue(ctx context.Context, topic string) (*Job, error)
	// Ack, Fail and Bury settle the claim carried by job. A claim that
	// expired and was taken by another worker returns ErrClaimLost.
	Ack(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, reason string) error
	// Bury moves a claimed job straight to the dead state
	Bury(ctx context.Context, job *Job, reason string) error
}

// Inspector exposes operator views over the store
type Inspector interface {
	Get(ctx context.Context, id string) (*Job, error)
	Dead(ctx context.Context, topic string, limit int) ([]*Job, error)
	Replay(ctx context.Context, id string) error
}

// Queue is implemented by every backing store
type Queue interface {
	Producer
	Consumer
	Inspector
}

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options shared by the stores
type Options struct {
	MaxRetries   int
	ClaimTimeout time.Duration
	Backoff      Backoff
	Clock        func() time.Time
	Logger       Logger
}

// Option configures a store
type Option func(*Options)

// WithMaxRetries sets how many failures a job survives before it is dead
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxRetries = n
		}
	}
}

// WithClaimTimeout sets how long a claim is held before the job is pending again
func WithClaimTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ClaimTimeout = d
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(o *Options) {
		if b != nil {
			o.Backoff = b
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

func newOptions(opts ...Option) Options {
	o := Options{
		MaxRetries:   DefaultMaxRetries,
		ClaimTimeout: DefaultClaimTimeout,
		Backoff:      ExponentialBackoff(time.Second, 10*time.Minute),
		Clock:        time.Now,
		Logger:       defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o Options) now() time.Time {
	return o.Clock().UTC()
}

func validateMessage(msg Message) error {
	if msg.Topic == "" {
		return malformed("job topic is required")
	}
	if msg.ContentType == "" {
		return malformed("job content type is required")
	}
	return nil
}

type defLogger struct{}

func (defLogger) Debug(msg string, args ...any) { printLog("DBG", msg, args...) }
func (defLogger) Info(msg string, args ...any)  { printLog("INF", msg, args...) }
func (defLogger) Warn(msg string, args ...any)  { printLog("WRN", msg, args...) }
func (defLogger) Error(msg string, args ...any) { printLog("ERR", msg, args...) }

func printLog(level, msg string, args ...any) {
	fmt.Printf("[%s] QUEUE %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Printf(" %v=%v", args[i], args[i+1])
	}
	fmt.Println()
}
