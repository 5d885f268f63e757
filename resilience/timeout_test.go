package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

func newTestTimeout(t *testing.T, cfg TimeoutConfig) (*Timeout, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := record(bus)
	reg := NewRegistry(bus)
	t.Cleanup(reg.Close)
	cfg.MetricsInterval = -1
	return reg.Timeout("call", cfg), rec
}

func TestTimeoutSucceedsOnThirdAttempt(t *testing.T) {
	to, _ := newTestTimeout(t, TimeoutConfig{Timeout: 100 * time.Millisecond, Retries: 2})

	var calls atomic.Int32
	v, err := Call(context.Background(), to, func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n < 3 {
			// Hang past the deadline.
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Call error = %v", err)
	}
	if v != "done" {
		t.Errorf("Call value = %q, want %q", v, "done")
	}

	m := to.Metrics()
	if m.TotalAttempts != 3 {
		t.Errorf("TotalAttempts = %d, want 3", m.TotalAttempts)
	}
	if m.TimeoutCount != 2 || m.SuccessCount != 1 || m.FailureCount != 0 {
		t.Errorf("Timeout, Success, Failure = %d, %d, %d, want 2, 1, 0",
			m.TimeoutCount, m.SuccessCount, m.FailureCount)
	}
}

func TestTimeoutErrorCarriesMetrics(t *testing.T) {
	to, rec := newTestTimeout(t, TimeoutConfig{Timeout: 10 * time.Millisecond})

	err := to.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Execute error = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *TimeoutError", err)
	}
	if te.Metrics.TimeoutCount != 1 || te.Metrics.TotalAttempts != 1 {
		t.Errorf("TimeoutError.Metrics = %+v, want 1 attempt and 1 timeout", te.Metrics)
	}
	if got := len(rec.topic(TopicTimeoutMetrics)); got != 1 {
		t.Errorf("timeout:metrics events = %d, want 1", got)
	}
}

func TestTimeoutFailureIsNotTimeout(t *testing.T) {
	to, _ := newTestTimeout(t, TimeoutConfig{Timeout: time.Second, Retries: 1})

	err := to.Execute(context.Background(), failing)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Execute error = %v, want errBoom", err)
	}
	m := to.Metrics()
	if m.FailureCount != 2 || m.TimeoutCount != 0 {
		t.Errorf("FailureCount, TimeoutCount = %d, %d, want 2, 0", m.FailureCount, m.TimeoutCount)
	}
}

func TestTimeoutBackoffBetweenAttempts(t *testing.T) {
	to, _ := newTestTimeout(t, TimeoutConfig{
		Timeout: time.Second,
		Retries: 2,
		Backoff: Backoff{Initial: 20 * time.Millisecond, Multiplier: 2, Max: time.Second},
	})

	start := time.Now()
	to.Execute(context.Background(), failing)
	// 20ms after the first attempt, 40ms after the second.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 60ms of backoff", elapsed)
	}
}

func TestTimeoutAverageExecutionTime(t *testing.T) {
	to, _ := newTestTimeout(t, TimeoutConfig{Timeout: time.Second})

	for i := 0; i < 3; i++ {
		to.Execute(context.Background(), func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
	}
	if avg := to.Metrics().AverageExecutionTime; avg < 5*time.Millisecond {
		t.Errorf("AverageExecutionTime = %v, want >= 5ms", avg)
	}
}
