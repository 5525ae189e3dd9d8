package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited rejects a submission from a throttled owner.
	// Recoverable: the caller retries after the carried hint.
	ErrRateLimited = errors.New("submission rate limited")
	// ErrInvalidCategory is a caller/config error, surfaced immediately.
	ErrInvalidCategory = errors.New("invalid category")
	// ErrQueueEmpty is the dispatch loop's steady-state condition, not an
	// alarm.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrAlreadyDispatched reports a cancellation race: the request left
	// the pending state before the cancel landed.
	ErrAlreadyDispatched = errors.New("request already dispatched")
	// ErrNotFound reports an id with no live request behind it.
	ErrNotFound = errors.New("request not found")
	// ErrDuplicateID rejects a submission reusing a live request id.
	ErrDuplicateID = errors.New("duplicate request id")
)

// RateLimitedError carries the retry-after hint for a throttled submission.
//
// Callers usually just errors.Is(err, ErrRateLimited); the concrete type is
// for surfaces that relay the hint to the submitter.
type RateLimitedError struct {
	Owner string
	After time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("submission rate limited for %s (retry after %s)", e.Owner, e.After)
}
func (e *RateLimitedError) Unwrap() error             { return ErrRateLimited }
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

// ReasonCode maps a scheduling error to the stable reason string carried to
// callers, so they can decide whether to retry, wait, or surface a message.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidCategory):
		return "invalid_category"
	case errors.Is(err, ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, ErrAlreadyDispatched):
		return "already_dispatched"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	default:
		return "internal"
	}
}

// FailReasonTimeout is the terminal reason applied by the consumer loop
// when the backend misses its deadline.
const FailReasonTimeout = "timeout"
