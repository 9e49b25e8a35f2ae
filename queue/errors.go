package queue

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	TextCodeJobMalformed     = "JOB_MALFORMED"
	TextCodeJobNotFound      = "JOB_NOT_FOUND"
	TextCodeJobNotDead       = "JOB_NOT_DEAD"
	TextCodeClaimLost        = "CLAIM_LOST"
)

// ErrQueueUnavailable is returned when the backing store rejects a read or write
var ErrQueueUnavailable = errors.New("job queue unavailable", errors.CategoryExternal).
	WithTextCode(TextCodeQueueUnavailable).
	WithCode(503)

// ErrJobMalformed is returned for jobs missing a topic or carrying an undecodable payload
var ErrJobMalformed = errors.New("malformed job", errors.CategoryBadInput).
	WithTextCode(TextCodeJobMalformed).
	WithCode(errors.CodeBadRequest)

// ErrJobNotFound is returned when a job id is unknown to the store
var ErrJobNotFound = errors.New("job not found", errors.CategoryNotFound).
	WithTextCode(TextCodeJobNotFound).
	WithCode(errors.CodeNotFound)

// ErrJobNotDead is returned when replaying a job that is still live
var ErrJobNotDead = errors.New("job is not in the dead state", errors.CategoryConflict).
	WithTextCode(TextCodeJobNotDead).
	WithCode(errors.CodeConflict)

// ErrClaimLost is returned when settling a job whose claim is no longer held
var ErrClaimLost = errors.New("job claim is no longer held", errors.CategoryConflict).
	WithTextCode(TextCodeClaimLost).
	WithCode(errors.CodeConflict)

// IsQueueUnavailable reports whether err was caused by the backing store
func IsQueueUnavailable(err error) bool {
	return hasTextCode(err, TextCodeQueueUnavailable)
}

// IsJobMalformed reports whether err flags an invalid job
func IsJobMalformed(err error) bool {
	return hasTextCode(err, TextCodeJobMalformed)
}

// IsJobNotFound reports whether err flags an unknown job
func IsJobNotFound(err error) bool {
	return hasTextCode(err, TextCodeJobNotFound)
}

// IsJobNotDead reports whether a replay targeted a live job
func IsJobNotDead(err error) bool {
	return hasTextCode(err, TextCodeJobNotDead)
}

// IsClaimLost reports whether a settle call used a stale claim
func IsClaimLost(err error) bool {
	return hasTextCode(err, TextCodeClaimLost)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

func unavailable(err error, msg string) error {
	return errors.Wrap(err, ErrQueueUnavailable.Category, msg).
		WithTextCode(TextCodeQueueUnavailable).
		WithCode(503)
}

func notFound(id string) error {
	return ErrJobNotFound.Clone().WithMetadata(map[string]any{"job_id": id})
}

func malformed(msg string) error {
	return errors.New(msg, ErrJobMalformed.Category).
		WithTextCode(TextCodeJobMalformed).
		WithCode(errors.CodeBadRequest)
}

func notDead(id string) error {
	return ErrJobNotDead.Clone().WithMetadata(map[string]any{"job_id": id})
}

func claimLost(id, status string) error {
	return ErrClaimLost.Clone().WithMetadata(map[string]any{"job_id": id, "status": status})
}
