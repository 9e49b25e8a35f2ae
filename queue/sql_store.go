package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const claimAttempts = 3

type jobRecord struct {
	bun.BaseModel `bun:"table:queue_jobs,alias:qj"`

	Seq          int64      `bun:"seq,pk,autoincrement"`
	ID           string     `bun:"id,notnull,unique"`
	Topic        string     `bun:"topic,notnull"`
	ContentType  string     `bun:"content_type,notnull"`
	Priority     int        `bun:"priority,notnull"`
	Payload      []byte     `bun:"payload"`
	Status       Status     `bun:"status,notnull"`
	Retries      int        `bun:"retries,notnull"`
	MaxRetries   int        `bun:"max_retries,notnull"`
	LastError    string     `bun:"last_error"`
	EnqueuedAt   time.Time  `bun:"enqueued_at,notnull"`
	AvailableAt  time.Time  `bun:"available_at,notnull"`
	ClaimedUntil *time.Time `bun:"claimed_until,nullzero"`
	ClaimID      string     `bun:"claim_id,nullzero"`
}

func (r *jobRecord) toJob() *Job {
	return &Job{
		ID:           r.ID,
		Topic:        r.Topic,
		ContentType:  r.ContentType,
		Priority:     r.Priority,
		Payload:      r.Payload,
		Status:       r.Status,
		Retries:      r.Retries,
		MaxRetries:   r.MaxRetries,
		LastError:    r.LastError,
		EnqueuedAt:   r.EnqueuedAt,
		AvailableAt:  r.AvailableAt,
		ClaimedUntil: r.ClaimedUntil,
		Claim:        r.ClaimID,
	}
}

// SQLStore keeps jobs in the queue_jobs table. Claims are conditional
// updates inside a transaction; on Postgres the candidate row is also
// selected FOR UPDATE SKIP LOCKED so concurrent workers skip each other.
type SQLStore struct {
	db   *bun.DB
	opts Options
}

var _ Queue = (*SQLStore)(nil)

func NewSQLStore(db *bun.DB, opts ...Option) *SQLStore {
	return &SQLStore{
		db:   db,
		opts: newOptions(opts...),
	}
}

func (s *SQLStore) Enqueue(ctx context.Context, msg Message) (string, error) {
	if err := validateMessage(msg); err != nil {
		return "", err
	}

	now := s.opts.now()
	record := &jobRecord{
		ID:          uuid.NewString(),
		Topic:       msg.Topic,
		ContentType: msg.ContentType,
		Priority:    msg.Priority,
		Payload:     msg.Payload,
		Status:      StatusPending,
		MaxRetries:  s.opts.MaxRetries,
		EnqueuedAt:  now,
		AvailableAt: now,
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return "", unavailable(err, "failed to enqueue job")
	}

	s.opts.Logger.Debug("job enqueued", "id", record.ID, "topic", record.Topic, "priority", record.Priority)

	return record.ID, nil
}

func (s *SQLStore) Dequeue(ctx context.Context, topic string) (*Job, error) {
	var job *Job

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := s.opts.now()

		if _, err := tx.NewUpdate().
			Model((*jobRecord)(nil)).
			Set("status = ?", StatusPending).
			Set("claimed_until = NULL").
			Set("claim_id = NULL").
			Where("topic = ?", topic).
			Where("status = ?", StatusClaimed).
			Where("claimed_until <= ?", now).
			Exec(ctx); err != nil {
			return err
		}

		for range claimAttempts {
			record := &jobRecord{}
			q := tx.NewSelect().
				Model(record).
				Where("topic = ?", topic).
				Where("status = ?", StatusPending).
				Where("available_at <= ?", now).
				OrderExpr("priority DESC, seq ASC").
				Limit(1)

			if s.db.Dialect().Name() == dialect.PG {
				q = q.For("UPDATE SKIP LOCKED")
			}

			if err := q.Scan(ctx); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}

			until := now.Add(s.opts.ClaimTimeout)
			claim := uuid.NewString()
			res, err := tx.NewUpdate().
				Model((*jobRecord)(nil)).
				Set("status = ?", StatusClaimed).
				Set("claimed_until = ?", until).
				Set("claim_id = ?", claim).
				Where("seq = ?", record.Seq).
				Where("status = ?", StatusPending).
				Exec(ctx)
			if err != nil {
				return err
			}

			if n, err := res.RowsAffected(); err == nil && n == 1 {
				record.Status = StatusClaimed
				record.ClaimedUntil = &until
				record.ClaimID = claim
				job = record.toJob()
				return nil
			}
		}

		return nil
	})

	if err != nil {
		return nil, unavailable(err, "failed to dequeue job")
	}

	return job, nil
}

func (s *SQLStore) Ack(ctx context.Context, job *Job) error {
	res, err := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", StatusDone).
		Set("claimed_until = NULL").
		Set("claim_id = NULL").
		Where("id = ?", job.ID).
		Where("status = ?", StatusClaimed).
		Where("claim_id = ?", job.Claim).
		Exec(ctx)
	if err != nil {
		return unavailable(err, "failed to ack job")
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	current, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.Status == StatusDone {
		return nil
	}
	return claimLost(job.ID, current.Status)
}

func (s *SQLStore) Fail(ctx context.Context, job *Job, reason string) error {
	return s.settle(ctx, job, reason, false)
}

func (s *SQLStore) Bury(ctx context.Context, job *Job, reason string) error {
	return s.settle(ctx, job, reason, true)
}

func (s *SQLStore) settle(ctx context.Context, job *Job, reason string, bury bool) error {
	var missing bool
	var lost *jobRecord

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &jobRecord{}
		if err := tx.NewSelect().Model(record).Where("id = ?", job.ID).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				missing = true
				return nil
			}
			return err
		}

		if record.Status != StatusClaimed || record.ClaimID != job.Claim {
			lost = record
			return nil
		}

		q := tx.NewUpdate().
			Model((*jobRecord)(nil)).
			Set("last_error = ?", reason).
			Set("claimed_until = NULL").
			Set("claim_id = NULL").
			Where("seq = ?", record.Seq).
			Where("status = ?", StatusClaimed).
			Where("claim_id = ?", job.Claim)

		if !bury && record.Retries < record.MaxRetries {
			q = q.Set("status = ?", StatusPending).
				Set("retries = ?", record.Retries+1).
				Set("available_at = ?", s.opts.now().Add(s.opts.Backoff(record.Retries)))
		} else {
			q = q.Set("status = ?", StatusDead)
			s.opts.Logger.Warn("job moved to dead state", "id", job.ID, "topic", record.Topic, "reason", reason)
		}

		_, err := q.Exec(ctx)
		return err
	})

	if err != nil {
		return unavailable(err, "failed to record job failure")
	}
	if missing {
		return notFound(job.ID)
	}
	if lost != nil {
		s.opts.Logger.Warn("ignoring failure for a claim no longer held", "id", job.ID, "status", lost.Status)
		return claimLost(job.ID, lost.Status)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	record := &jobRecord{}
	if err := s.db.NewSelect().Model(record).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, unavailable(err, "failed to load job")
	}
	return record.toJob(), nil
}

func (s *SQLStore) Dead(ctx context.Context, topic string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []*jobRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("topic = ?", topic).
		Where("status = ?", StatusDead).
		OrderExpr("seq ASC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, unavailable(err, "failed to list dead jobs")
	}

	jobs := make([]*Job, 0, len(records))
	for _, r := range records {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

func (s *SQLStore) Replay(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", StatusPending).
		Set("retries = 0").
		Set("available_at = ?", s.opts.now()).
		Where("id = ?", id).
		Where("status = ?", StatusDead).
		Exec(ctx)
	if err != nil {
		return unavailable(err, "failed to replay job")
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return notDead(id)
}
