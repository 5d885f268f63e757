package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

func newTestLimiter(t *testing.T, cfg LimiterConfig) (*RateLimiter, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := record(bus)
	reg := NewRegistry(bus)
	t.Cleanup(reg.Close)
	cfg.MetricsInterval = -1
	return reg.Limiter("api", cfg), rec
}

func TestLimiterThirdCallWaitsForPeriod(t *testing.T) {
	l, rec := newTestLimiter(t, LimiterConfig{RequestsPerPeriod: 2, Period: 100 * time.Millisecond, MaxQueueSize: 5})

	start := time.Now()
	finished := make([]time.Duration, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Execute(context.Background(), succeed); err != nil {
				t.Errorf("Execute error = %v", err)
			}
			finished[i] = time.Since(start)
		}()
	}
	wg.Wait()

	sort.Slice(finished, func(a, b int) bool { return finished[a] < finished[b] })
	if finished[1] >= 50*time.Millisecond {
		t.Errorf("second call finished after %v, want immediate", finished[1])
	}
	if finished[2] < 100*time.Millisecond {
		t.Errorf("third call finished after %v, want >= 100ms", finished[2])
	}
	if got := len(rec.topic(TopicLimiterQueued)); got != 1 {
		t.Errorf("rate_limiter:queued events = %d, want 1", got)
	}
	m := l.Metrics()
	if m.TotalRequests != 3 || m.SuccessfulRequests != 3 || m.QueuedRequests != 1 {
		t.Errorf("metrics = %+v, want 3 total, 3 successful, 1 queued", m)
	}
}

func TestLimiterConservation(t *testing.T) {
	const n = 3
	period := 100 * time.Millisecond
	l, _ := newTestLimiter(t, LimiterConfig{RequestsPerPeriod: n, Period: period, MaxQueueSize: 20})

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Execute(context.Background(), func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	sort.Slice(starts, func(a, b int) bool { return starts[a].Before(starts[b]) })
	if len(starts) != 10 {
		t.Fatalf("started %d calls, want 10", len(starts))
	}
	// Any n+1 consecutive starts must span at least one period. Allow a
	// little slack for the gap between admission and the recorded start.
	for i := n; i < len(starts); i++ {
		if span := starts[i].Sub(starts[i-n]); span < period-20*time.Millisecond {
			t.Errorf("starts %d..%d span %v, want >= %v", i-n, i, span, period)
		}
	}
}

func TestLimiterRejectsWhenQueueFull(t *testing.T) {
	l, _ := newTestLimiter(t, LimiterConfig{RequestsPerPeriod: 1, Period: time.Hour, MaxQueueSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Execute(ctx, succeed); err != nil {
		t.Fatalf("first Execute error = %v", err)
	}

	queued := make(chan error, 1)
	go func() { queued <- l.Execute(ctx, succeed) }()
	waitFor(t, "queued request", func() bool { return l.Metrics().CurrentQueueSize == 1 })

	err := l.Execute(ctx, succeed)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Execute error = %v, want ErrRateLimited", err)
	}
	if got := l.Metrics().RejectedRequests; got != 1 {
		t.Errorf("RejectedRequests = %d, want 1", got)
	}

	cancel()
	if err := <-queued; !errors.Is(err, context.Canceled) {
		t.Errorf("queued Execute error = %v, want context.Canceled", err)
	}
	if got := l.Metrics().CurrentQueueSize; got != 0 {
		t.Errorf("CurrentQueueSize after cancel = %d, want 0", got)
	}
}

func TestLimiterWithoutQueueRejects(t *testing.T) {
	l, _ := newTestLimiter(t, LimiterConfig{RequestsPerPeriod: 1, Period: time.Hour})
	ctx := context.Background()

	if err := l.Execute(ctx, succeed); err != nil {
		t.Fatalf("first Execute error = %v", err)
	}
	if err := l.Execute(ctx, succeed); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Execute error = %v, want ErrRateLimited", err)
	}
	m := l.Metrics()
	if m.QueuedRequests != 0 || m.RejectedRequests != 1 {
		t.Errorf("metrics = %+v, want 0 queued and 1 rejected", m)
	}
}

func TestLimiterQueueTimeout(t *testing.T) {
	l, _ := newTestLimiter(t, LimiterConfig{
		RequestsPerPeriod: 1,
		Period:            80 * time.Millisecond,
		MaxQueueSize:      1,
		QueueTimeout:      20 * time.Millisecond,
	})
	ctx := context.Background()

	l.Execute(ctx, succeed)
	err := l.Execute(ctx, succeed)
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("Execute error = %v, want ErrQueueTimeout", err)
	}
	if got := l.Metrics().TimedOutRequests; got != 1 {
		t.Errorf("TimedOutRequests = %d, want 1", got)
	}
}

func TestLimiterDisposeRejectsQueued(t *testing.T) {
	bus := eventbus.New()
	reg := NewRegistry(bus)
	defer reg.Close()
	l := reg.Limiter("d", LimiterConfig{RequestsPerPeriod: 1, Period: time.Hour, MaxQueueSize: 2, MetricsInterval: -1})
	ctx := context.Background()

	l.Execute(ctx, succeed)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- l.Execute(ctx, succeed) }()
	}
	waitFor(t, "queued requests", func() bool { return l.Metrics().CurrentQueueSize == 2 })

	l.Dispose()
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrDisposed) {
			t.Errorf("queued Execute error = %v, want ErrDisposed", err)
		}
	}
	if err := l.Execute(ctx, succeed); !errors.Is(err, ErrDisposed) {
		t.Errorf("Execute after Dispose error = %v, want ErrDisposed", err)
	}
	if again := reg.Limiter("d", LimiterConfig{MetricsInterval: -1}); again == l {
		t.Error("registry still returns the disposed limiter")
	}
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(t, LimiterConfig{RequestsPerPeriod: 1, Period: time.Hour})
	ctx := context.Background()
	l.Execute(ctx, succeed)

	l.Reset()

	m := l.Metrics()
	if m.TotalRequests != 0 || m.AvailableTokens != 1 {
		t.Errorf("metrics after Reset = %+v, want 0 total and 1 token", m)
	}
	if err := l.Execute(ctx, succeed); err != nil {
		t.Errorf("Execute after Reset error = %v", err)
	}
}
