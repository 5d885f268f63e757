package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestStandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrCircuitOpen", ErrCircuitOpen, "circuit breaker is open"},
		{"ErrBulkheadFull", ErrBulkheadFull, "bulkhead queue full"},
		{"ErrTimeout", ErrTimeout, "operation timed out"},
		{"ErrRateLimited", ErrRateLimited, "rate limit exceeded and queue full"},
		{"ErrQueueTimeout", ErrQueueTimeout, "queued request timed out"},
		{"ErrDisposed", ErrDisposed, "disposed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("%s.Error() = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestTypedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     string
		sentinel error
	}{
		{
			name:     "BreakerOpenError",
			err:      &BreakerOpenError{Name: "db"},
			want:     "circuit breaker db is open",
			sentinel: ErrCircuitOpen,
		},
		{
			name:     "BulkheadError",
			err:      &BulkheadError{Name: "io", Err: ErrBulkheadFull},
			want:     "bulkhead io: bulkhead queue full",
			sentinel: ErrBulkheadFull,
		},
		{
			name:     "TimeoutError",
			err:      &TimeoutError{Name: "rpc", After: 100 * time.Millisecond, Attempt: 1},
			want:     "timeout rpc: attempt 2 exceeded 100ms",
			sentinel: ErrTimeout,
		},
		{
			name:     "RateLimitError",
			err:      &RateLimitError{Name: "api", Err: ErrQueueTimeout},
			want:     "rate limiter api: queued request timed out",
			sentinel: ErrQueueTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%s, %v) = false, want true", tt.name, tt.sentinel)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Multiplier: 2, Max: time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	if got := (Backoff{}).Delay(3); got != 0 {
		t.Errorf("zero Backoff Delay(3) = %v, want 0", got)
	}
}
