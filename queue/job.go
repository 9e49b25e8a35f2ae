package queue

import (
	"time"
)

// Status is the lifecycle state of a job
type Status = string

const (
	// StatusPending jobs are waiting to be claimed
	StatusPending Status = "pending"
	// StatusClaimed jobs are held by a worker until acked, failed or the claim times out
	StatusClaimed Status = "claimed"
	// StatusDone jobs were acked
	StatusDone Status = "done"
	// StatusDead jobs exhausted their retries and wait for an operator
	StatusDead Status = "dead"
)

// Job is a unit of asynchronous work routed by topic
type Job struct {
	ID           string     `json:"id"`
	Topic        string     `json:"topic"`
	ContentType  string     `json:"content_type"`
	Priority     int        `json:"priority"`
	Payload      []byte     `json:"payload"`
	Status       Status     `json:"status"`
	Retries      int        `json:"retries"`
	MaxRetries   int        `json:"max_retries"`
	LastError    string     `json:"last_error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	AvailableAt  time.Time  `json:"available_at"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	// Claim identifies the current claim. Settling with a stale claim fails.
	Claim string `json:"claim,omitempty"`
}

// CanRetry reports whether a failure should send the job back to pending
func (j *Job) CanRetry() bool {
	return j.Retries < j.MaxRetries
}

// Message is the producer side view of a job
type Message struct {
	Topic       string
	ContentType string
	Priority    int
	Payload     []byte
}
