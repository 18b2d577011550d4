package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error kind constants used in HTTP responses and structured logs.
const (
	KindInternal         = "internal_error"
	KindInvalidJSON      = "invalid_json"
	KindValidation       = "validation_failed"
	KindSchemaNotFound   = "schema_not_found"
	KindSchemaValidation = "schema_validation_failed"
	KindDuplicate        = "duplicate_event"
	KindOutOfOrder       = "out_of_order"
	KindRateLimited      = "rate_limited"
	KindQueueFull        = "queue_full"
	KindConcurrencyLimit = "concurrency_limit"
	KindBackoffActive    = "backoff_active"
	KindSystem           = "system_error"
)

// ErrorResponse is the JSON error body returned by the ingress endpoint.
// RetryAfterSeconds is 0 when the caller should not retry.
type ErrorResponse struct {
	ErrorType         string      `json:"error_type"`
	Message           string      `json:"message"`
	Details           interface{} `json:"details,omitempty"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
}

// Sentinel errors for transient backpressure and contention conditions.
// Callers match these with errors.Is and translate them to retry hints.
var (
	ErrQueueFull        = errors.New("work queue is full")
	ErrConcurrencyLimit = errors.New("concurrency ceiling reached")
	ErrBackoffActive    = errors.New("failure backoff window active")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// DuplicateError marks an event that was already processed. It is an
// idempotent no-op: callers must treat it as success, never as a failure.
type DuplicateError struct {
	EventID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("event %q already processed", e.EventID)
}

// OutOfOrderError reports a sequence regression on a build stream.
// Emitted only in strict ordering mode; lenient mode logs and continues.
type OutOfOrderError struct {
	StreamKey string
	Sequence  int64
	Expected  int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("stream %q: sequence %d arrived after %d", e.StreamKey, e.Sequence, e.Expected)
}

// SystemError wraps a dependency failure (key-value store, job engine).
// The caller layer retries these; they are never silently skipped.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// NewSystemError wraps err as a dependency failure for operation op.
func NewSystemError(op string, err error) *SystemError {
	return &SystemError{Op: op, Err: err}
}

// IsRetryable reports whether the error represents transient backpressure
// or contention that the caller should retry after a delay.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrConcurrencyLimit) ||
		errors.Is(err, ErrBackoffActive) ||
		errors.Is(err, ErrRateLimited)
}

// RetryAfterHint returns the suggested client delay for a retryable error,
// rounded up to whole seconds. Returns 0 for non-retryable errors.
func RetryAfterHint(err error, base time.Duration) int {
	if !IsRetryable(err) {
		return 0
	}
	secs := int(base / time.Second)
	if base%time.Second != 0 || secs == 0 {
		secs++
	}
	return secs
}
