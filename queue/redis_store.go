package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "queue"

// dequeueLua promotes due delayed jobs and expired claims back to pending,
// then claims the lowest pending member. Pending members share score 0 so
// they sort by their encoded (inverted priority, sequence) prefix.
// KEYS[1] = pending, KEYS[2] = delayed, KEYS[3] = claimed
// ARGV[1] = now (unix ms), ARGV[2] = claim deadline (unix ms), ARGV[3] = job key prefix,
// ARGV[4] = claim id
var dequeueLua = redis.NewScript(`
local function promote(key, clearClaim)
  local ids = redis.call('ZRANGEBYSCORE', key, '-inf', ARGV[1])
  for _, id in ipairs(ids) do
    redis.call('ZREM', key, id)
    local jobKey = ARGV[3] .. id
    local member = redis.call('HGET', jobKey, 'member')
    if member then
      redis.call('HSET', jobKey, 'status', 'pending')
      if clearClaim then
        redis.call('HDEL', jobKey, 'claimed_until', 'claim')
      end
      redis.call('ZADD', KEYS[1], '0', member)
    end
  end
end

promote(KEYS[2], false)
promote(KEYS[3], true)

local head = redis.call('ZRANGE', KEYS[1], '0', '0')
if #head == 0 then
  return false
end

local member = head[1]
redis.call('ZREM', KEYS[1], member)
local id = string.sub(member, 33)
redis.call('HSET', ARGV[3] .. id, 'status', 'claimed', 'claimed_until', ARGV[2], 'claim', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[2], id)
return id
`)

// ackLua marks a job done when the caller still holds its claim.
// Acking a done job is a no-op.
// KEYS[1] = job, KEYS[2] = claimed
// ARGV[1] = job id, ARGV[2] = claim id
var ackLua = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {err='not_found'}
end
if status == 'done' then
  return 0
end
if status ~= 'claimed' or redis.call('HGET', KEYS[1], 'claim') ~= ARGV[2] then
  return {err='claim_lost ' .. status}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'done')
redis.call('HDEL', KEYS[1], 'claimed_until', 'claim')
return 1
`)

// failLua retries or buries a job claimed by the caller.
// KEYS[1] = job, KEYS[2] = delayed, KEYS[3] = claimed, KEYS[4] = dead
// ARGV[1] = job id, ARGV[2] = reason, ARGV[3] = now (unix ms),
// ARGV[4] = next attempt (unix ms), ARGV[5] = "1" to bury, ARGV[6] = claim id
var failLua = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {err='not_found'}
end
local bury = ARGV[5] == '1'
if status ~= 'claimed' or redis.call('HGET', KEYS[1], 'claim') ~= ARGV[6] then
  return {err='claim_lost ' .. status}
end

redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], 'claimed_until', 'claim')
redis.call('HSET', KEYS[1], 'last_error', ARGV[2])

local retries = tonumber(redis.call('HGET', KEYS[1], 'retries') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'max_retries') or '0')
if (not bury) and retries < max then
  redis.call('HINCRBY', KEYS[1], 'retries', 1)
  redis.call('HSET', KEYS[1], 'status', 'pending', 'available_at', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
  return 'retry'
end

redis.call('HSET', KEYS[1], 'status', 'dead')
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
return 'dead'
`)

// replayLua moves a dead job back to pending with a fresh retry budget.
// KEYS[1] = job, KEYS[2] = dead, KEYS[3] = pending
// ARGV[1] = job id, ARGV[2] = now (unix ms)
var replayLua = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {err='not_found'}
end
if status ~= 'dead' then
  return {err='not_dead'}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'pending', 'retries', '0', 'available_at', ARGV[2])
redis.call('ZADD', KEYS[3], '0', redis.call('HGET', KEYS[1], 'member'))
return 1
`)

// RedisStore keeps jobs in redis. Every state change runs inside a Lua
// script so claims are exclusive across processes sharing the server.
// Job hashes are addressed from scripts by prefix, so the store expects a
// single node (or a proxy that routes every key to the same node).
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
}

var _ Queue = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		opts:   newOptions(opts...),
	}
}

func (s *RedisStore) jobPrefix() string {
	return s.prefix + ":job:"
}

func (s *RedisStore) jobKey(id string) string {
	return s.jobPrefix() + id
}

func (s *RedisStore) topicKey(topic, kind string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, topic, kind)
}

func (s *RedisStore) topicKeys(topic string) []string {
	return []string{
		s.topicKey(topic, "pending"),
		s.topicKey(topic, "delayed"),
		s.topicKey(topic, "claimed"),
		s.topicKey(topic, "dead"),
	}
}

// pendingMember orders by priority descending, then sequence ascending.
func pendingMember(priority int, seq int64, id string) string {
	inverted := int64(math.MaxInt32) - int64(priority)
	return fmt.Sprintf("%010d:%020d:%s", inverted, seq, id)
}

func (s *RedisStore) Enqueue(ctx context.Context, msg Message) (string, error) {
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	if msg.Priority > math.MaxInt32 || msg.Priority < math.MinInt32 {
		return "", malformed("job priority out of range")
	}

	seq, err := s.rdb.Incr(ctx, s.prefix+":seq").Result()
	if err != nil {
		return "", unavailable(err, "failed to allocate job sequence")
	}

	id := uuid.NewString()
	now := strconv.FormatInt(s.opts.now().UnixMilli(), 10)
	member := pendingMember(msg.Priority, seq, id)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(id), map[string]any{
			"id":           id,
			"topic":        msg.Topic,
			"content_type": msg.ContentType,
			"priority":     msg.Priority,
			"payload":      msg.Payload,
			"status":       StatusPending,
			"retries":      0,
			"max_retries":  s.opts.MaxRetries,
			"enqueued_at":  now,
			"available_at": now,
			"member":       member,
		})
		pipe.ZAdd(ctx, s.topicKey(msg.Topic, "pending"), redis.Z{Score: 0, Member: member})
		return nil
	})
	if err != nil {
		return "", unavailable(err, "failed to enqueue job")
	}

	s.opts.Logger.Debug("job enqueued", "id", id, "topic", msg.Topic, "priority", msg.Priority)

	return id, nil
}

func (s *RedisStore) Dequeue(ctx context.Context, topic string) (*Job, error) {
	now := s.opts.now()
	until := now.Add(s.opts.ClaimTimeout)

	keys := s.topicKeys(topic)
	id, err := dequeueLua.Run(ctx, s.rdb, keys[:3],
		now.UnixMilli(),
		until.UnixMilli(),
		s.jobPrefix(),
		uuid.NewString(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err, "failed to dequeue job")
	}

	return s.Get(ctx, id)
}

func (s *RedisStore) Ack(ctx context.Context, job *Job) error {
	topic, err := s.topicOf(ctx, job.ID)
	if err != nil {
		return err
	}

	err = ackLua.Run(ctx, s.rdb,
		[]string{s.jobKey(job.ID), s.topicKey(topic, "claimed")},
		job.ID, job.Claim,
	).Err()
	return s.scriptErr(err, job.ID, "failed to ack job")
}

func (s *RedisStore) Fail(ctx context.Context, job *Job, reason string) error {
	return s.settle(ctx, job, reason, false)
}

func (s *RedisStore) Bury(ctx context.Context, job *Job, reason string) error {
	return s.settle(ctx, job, reason, true)
}

func (s *RedisStore) settle(ctx context.Context, job *Job, reason string, bury bool) error {
	current, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	now := s.opts.now()
	next := now.Add(s.opts.Backoff(current.Retries))
	flag := "0"
	if bury {
		flag = "1"
	}

	keys := s.topicKeys(current.Topic)
	outcome, err := failLua.Run(ctx, s.rdb,
		[]string{s.jobKey(job.ID), keys[1], keys[2], keys[3]},
		job.ID, reason, now.UnixMilli(), next.UnixMilli(), flag, job.Claim,
	).Text()
	if err := s.scriptErr(err, job.ID, "failed to record job failure"); err != nil {
		if IsClaimLost(err) {
			s.opts.Logger.Warn("ignoring failure for a claim no longer held", "id", job.ID)
		}
		return err
	}

	if outcome == "dead" {
		s.opts.Logger.Warn("job moved to dead state", "id", job.ID, "topic", current.Topic, "reason", reason)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, unavailable(err, "failed to load job")
	}
	if len(fields) == 0 {
		return nil, notFound(id)
	}
	return jobFromHash(fields)
}

func (s *RedisStore) Dead(ctx context.Context, topic string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.rdb.ZRange(ctx, s.topicKey(topic, "dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err, "failed to list dead jobs")
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if IsJobNotFound(err) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Replay(ctx context.Context, id string) error {
	topic, err := s.topicOf(ctx, id)
	if err != nil {
		return err
	}

	keys := s.topicKeys(topic)
	err = replayLua.Run(ctx, s.rdb,
		[]string{s.jobKey(id), keys[3], keys[0]},
		id, s.opts.now().UnixMilli(),
	).Err()
	return s.scriptErr(err, id, "failed to replay job")
}

func (s *RedisStore) topicOf(ctx context.Context, id string) (string, error) {
	topic, err := s.rdb.HGet(ctx, s.jobKey(id), "topic").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", notFound(id)
		}
		return "", unavailable(err, "failed to load job")
	}
	return topic, nil
}

func (s *RedisStore) scriptErr(err error, id, msg string) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	switch {
	case strings.Contains(err.Error(), "not_found"):
		return notFound(id)
	case strings.Contains(err.Error(), "not_dead"):
		return notDead(id)
	case strings.Contains(err.Error(), "claim_lost"):
		_, status, _ := strings.Cut(err.Error(), "claim_lost ")
		return claimLost(id, strings.TrimSpace(status))
	}
	return unavailable(err, msg)
}

func jobFromHash(fields map[string]string) (*Job, error) {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(fields[key])
		return n
	}
	millis := func(key string) time.Time {
		n, err := strconv.ParseInt(fields[key], 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(n).UTC()
	}

	if fields["id"] == "" || fields["topic"] == "" {
		return nil, malformed("stored job is missing its id or topic")
	}

	job := &Job{
		ID:          fields["id"],
		Topic:       fields["topic"],
		ContentType: fields["content_type"],
		Priority:    atoi("priority"),
		Payload:     []byte(fields["payload"]),
		Status:      fields["status"],
		Retries:     atoi("retries"),
		MaxRetries:  atoi("max_retries"),
		LastError:   fields["last_error"],
		EnqueuedAt:  millis("enqueued_at"),
		AvailableAt: millis("available_at"),
		Claim:       fields["claim"],
	}

	if _, ok := fields["claimed_until"]; ok {
		until := millis("claimed_until")
		job.ClaimedUntil = &until
	}

	return job, nil
}
