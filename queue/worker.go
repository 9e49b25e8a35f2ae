package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Handler processes the jobs of one topic. Handlers must tolerate
// duplicate delivery: a job whose claim times out is handed out again.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Pool runs workers that claim jobs from a Consumer and dispatch them by topic
type Pool struct {
	consumer       Consumer
	handlers       map[string]Handler
	topics         []string
	workers        int
	pollInterval   time.Duration
	handlerTimeout time.Duration
	logger         Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithHandlerTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.handlerTimeout = d
		}
	}
}

func WithPoolLogger(logger Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPool(consumer Consumer, opts ...PoolOption) *Pool {
	p := &Pool{
		consumer:       consumer,
		handlers:       map[string]Handler{},
		workers:        1,
		pollInterval:   time.Second,
		handlerTimeout: time.Minute,
		logger:         defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Register binds a handler to a topic. It must be called before Start.
func (p *Pool) Register(topic string, h Handler) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handlers[topic]; !ok {
		p.topics = append(p.topics, topic)
	}
	p.handlers[topic] = h
	return p
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return goerrors.New("worker pool already running", goerrors.CategoryOperation)
	}
	if len(p.topics) == 0 {
		return goerrors.New("worker pool has no handlers", goerrors.CategoryOperation)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	topics := append([]string(nil), p.topics...)
	for i := range p.workers {
		p.wg.Add(1)
		go p.run(ctx, i, topics)
	}

	p.logger.Info("worker pool started", "workers", p.workers, "topics", topics)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to settle
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, worker int, topics []string) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		busy := false
		for _, topic := range topics {
			if ctx.Err() != nil {
				return
			}
			processed, err := p.ProcessNext(ctx, topic)
			if err != nil {
				p.logger.Error("worker failed to process job", "worker", worker, "topic", topic, "error", err)
			}
			busy = busy || processed
		}

		if busy {
			timer.Reset(0)
		} else {
			timer.Reset(p.pollInterval)
		}
	}
}

// ProcessNext claims at most one job for topic and runs its handler.
// It reports whether a job was claimed.
func (p *Pool) ProcessNext(ctx context.Context, topic string) (bool, error) {
	p.mu.Lock()
	handler, ok := p.handlers[topic]
	p.mu.Unlock()
	if !ok {
		return false, goerrors.New("no handler registered for topic "+topic, goerrors.CategoryOperation)
	}

	job, err := p.consumer.Dequeue(ctx, topic)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	herr := p.handle(ctx, handler, job)

	// settle even if the pool is shutting down so the outcome is not lost
	settleCtx := context.WithoutCancel(ctx)

	switch {
	case herr == nil:
		return true, p.consumer.Ack(settleCtx, job)
	case isPermanent(herr):
		p.logger.Warn("job failed permanently", "id", job.ID, "topic", topic, "error", herr)
		return true, p.consumer.Bury(settleCtx, job, herr.Error())
	default:
		p.logger.Warn("job failed", "id", job.ID, "topic", topic, "retries", job.Retries, "error", herr)
		return true, p.consumer.Fail(settleCtx, job, herr.Error())
	}
}

func (p *Pool) handle(ctx context.Context, h Handler, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = goerrors.New(fmt.Sprintf("job handler panic: %v", r), goerrors.CategoryInternal)
		}
	}()

	return h.Handle(ctx, job)
}

// isPermanent reports errors that retrying cannot fix: go-errors
// non-retryable errors and malformed jobs.
func isPermanent(err error) bool {
	var retryable interface{ IsRetryable() bool }
	if errors.As(err, &retryable) {
		return !retryable.IsRetryable()
	}
	return IsJobMalformed(err)
}
