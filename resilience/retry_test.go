package resilience

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

func newTestRetry(t *testing.T, cfg RetryConfig) (*Retry, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := record(bus)
	reg := NewRegistry(bus)
	t.Cleanup(reg.Close)
	return reg.Retrier("op", cfg), rec
}

func TestRetryDelay(t *testing.T) {
	r, _ := newTestRetry(t, RetryConfig{
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 3,
	})

	want := []time.Duration{time.Second, 3 * time.Second, 9 * time.Second, 10 * time.Second, 10 * time.Second}
	for k, w := range want {
		if got := r.Delay(k); got != w {
			t.Errorf("Delay(%d) = %v, want %v", k, got, w)
		}
	}
}

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	r, rec := newTestRetry(t, RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		BackoffFactor: 2,
	})

	calls := 0
	v, err := Call(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls < 4 {
			return 0, errBoom
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Call error = %v", err)
	}
	if v != 42 {
		t.Errorf("Call value = %d, want 42", v)
	}

	m := r.Metrics()
	if m.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", m.Attempts)
	}
	if m.Successes != 1 || m.Failures != 0 {
		t.Errorf("Successes, Failures = %d, %d, want 1, 0", m.Successes, m.Failures)
	}

	attempts := rec.topic(TopicRetryAttempt)
	if len(attempts) != 3 {
		t.Fatalf("retry:attempt events = %d, want 3", len(attempts))
	}
	for k, e := range attempts {
		p := e.Payload.(RetryAttempt)
		if want := r.Delay(k); p.NextDelay != want {
			t.Errorf("attempt %d NextDelay = %v, want %v", p.Attempt, p.NextDelay, want)
		}
	}
}

func TestRetryGivesUp(t *testing.T) {
	r, rec := newTestRetry(t, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Execute error = %v, want errBoom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got := r.Metrics().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
	failures := rec.topic(TopicRetryFailure)
	if len(failures) != 1 {
		t.Fatalf("retry:failure events = %d, want 1", len(failures))
	}
	if p := failures[0].Payload.(RetryFailure); p.Attempts != 3 || p.Error != "boom" {
		t.Errorf("retry:failure = %+v, want 3 attempts and error boom", p)
	}
}

func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	r, _ := newTestRetry(t, RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    time.Millisecond,
		RetryableErrors: []string{"connection reset"},
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("permission denied")
	})
	if err == nil || err.Error() != "permission denied" {
		t.Fatalf("Execute error = %v, want permission denied", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryIsRetryable(t *testing.T) {
	r, _ := newTestRetry(t, RetryConfig{
		RetryableErrors:   []string{"timeout", "unavailable"},
		RetryablePatterns: []*regexp.Regexp{regexp.MustCompile(`^5\d\d `)},
	})
	all, _ := newTestRetry(t, RetryConfig{})

	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("service unavailable"), true},
		{errors.New("503 upstream"), true},
		{errors.New("404 not found"), false},
		{errors.New("bad request"), false},
	}
	for _, tt := range tests {
		if got := r.IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%q) = %v, want %v", tt.err, got, tt.want)
		}
		if !all.IsRetryable(tt.err) {
			t.Errorf("IsRetryable(%q) with no filters = false, want true", tt.err)
		}
	}
}

func TestRetryContextCancelDuringBackoff(t *testing.T) {
	r, _ := newTestRetry(t, RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	err := r.Execute(ctx, failing)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute took %v after cancel", elapsed)
	}
}

func TestRetryReset(t *testing.T) {
	r, rec := newTestRetry(t, RetryConfig{MaxAttempts: 1})
	r.Execute(context.Background(), failing)

	r.Reset()

	if m := r.Metrics(); m != (RetryMetrics{}) {
		t.Errorf("Metrics after Reset = %+v, want zero", m)
	}
	events := rec.topic(TopicRetryMetrics)
	last := events[len(events)-1].Payload.(RetryMetricsEvent)
	if last.Metrics != (RetryMetrics{}) {
		t.Errorf("last retry:metrics = %+v, want zero metrics", last.Metrics)
	}
}
