package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	// ErrCircuitOpen is returned when a breaker rejects a call without running it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrBulkheadFull is returned when a bulkhead has no free slot and no queue room.
	ErrBulkheadFull = errors.New("bulkhead queue full")

	// ErrTimeout is returned when a unit of work exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrRateLimited is returned when a limiter has no token and no queue room.
	ErrRateLimited = errors.New("rate limit exceeded and queue full")

	// ErrQueueTimeout is returned when a queued request waits past its limit.
	ErrQueueTimeout = errors.New("queued request timed out")

	// ErrDisposed is returned for calls against, or still queued on, a disposed instance.
	ErrDisposed = errors.New("disposed")
)

// BreakerOpenError reports a call rejected by an open breaker.
type BreakerOpenError struct {
	Name  string
	State BreakerState
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

func (e *BreakerOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// BulkheadError reports an admission or deadline failure with the
// bulkhead's metrics at the time it happened.
type BulkheadError struct {
	Name    string
	Metrics BulkheadMetrics
	Err     error
}

func (e *BulkheadError) Error() string {
	return fmt.Sprintf("bulkhead %s: %v", e.Name, e.Err)
}

func (e *BulkheadError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a deadline breach in a Timeout executor.
type TimeoutError struct {
	Name    string
	After   time.Duration
	Attempt int
	Metrics TimeoutMetrics
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout %s: attempt %d exceeded %v", e.Name, e.Attempt+1, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// RateLimitError reports a rejected, expired or disposed limiter request.
type RateLimitError struct {
	Name    string
	Metrics RateLimiterMetrics
	Err     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limiter %s: %v", e.Name, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}
