package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// sampleWindow is the number of successful durations averaged.
const sampleWindow = 100

// TimeoutConfig configures a Timeout.
type TimeoutConfig struct {
	// Timeout is the deadline per attempt (default 30s)
	Timeout time.Duration

	// Retries is the number of extra attempts after the first
	Retries int

	// Backoff is the wait between attempts; a zero Initial retries at once
	Backoff Backoff

	// MetricsInterval is the cadence of periodic timeout:metrics events
	// (default 5s, negative disables)
	MetricsInterval time.Duration
}

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 5 * time.Second
	}
	return c
}

// TimeoutMetrics is a snapshot of timeout counters.
type TimeoutMetrics struct {
	TotalAttempts        int           `json:"total_attempts"`
	SuccessCount         int           `json:"success_count"`
	TimeoutCount         int           `json:"timeout_count"`
	FailureCount         int           `json:"failure_count"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

// Timeout bounds each attempt of a call by a deadline, optionally retrying
// with backoff.
type Timeout struct {
	name   string
	cfg    TimeoutConfig
	reg    *Registry
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	metrics TimeoutMetrics
	samples []time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newTimeout(r *Registry, name string, cfg TimeoutConfig) *Timeout {
	t := &Timeout{
		name:   name,
		cfg:    cfg.withDefaults(),
		reg:    r,
		bus:    r.bus,
		logger: r.logger,
		now:    r.now,
		stop:   make(chan struct{}),
	}
	ticker(t.cfg.MetricsInterval, t.stop, t.emitMetrics)
	return t
}

// Name returns the timeout's registry name.
func (t *Timeout) Name() string {
	return t.name
}

// Execute runs fn with a per-attempt deadline. A late result from an
// abandoned attempt is discarded.
func (t *Timeout) Execute(ctx context.Context, fn Func) error {
	var last error
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, t.cfg.Backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}

		start := t.now()
		err := t.attempt(ctx, fn)

		t.mu.Lock()
		t.metrics.TotalAttempts++
		switch {
		case err == nil:
			t.metrics.SuccessCount++
			t.recordLocked(t.now().Sub(start))
		case errors.Is(err, ErrTimeout):
			t.metrics.TimeoutCount++
			err = &TimeoutError{Name: t.name, After: t.cfg.Timeout, Attempt: attempt, Metrics: t.metrics}
		default:
			t.metrics.FailureCount++
		}
		snap := t.metrics
		t.mu.Unlock()

		t.bus.Emit(TopicTimeoutMetrics, TimeoutMetricsEvent{Name: t.name, Metrics: snap})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		last = err
		if attempt < t.cfg.Retries {
			t.logger.Debug("timeout: attempt failed", "name", t.name, "attempt", attempt+1, "error", err)
		}
	}
	return last
}

// Wrap returns fn guarded by the deadline.
func (t *Timeout) Wrap(fn Func) Func {
	return func(ctx context.Context) error {
		return t.Execute(ctx, fn)
	}
}

func (t *Timeout) attempt(ctx context.Context, fn Func) error {
	actx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(actx)
	}()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
}

func (t *Timeout) recordLocked(d time.Duration) {
	t.samples = append(t.samples, d)
	if len(t.samples) > sampleWindow {
		t.samples = t.samples[len(t.samples)-sampleWindow:]
	}
	var sum time.Duration
	for _, s := range t.samples {
		sum += s
	}
	t.metrics.AverageExecutionTime = sum / time.Duration(len(t.samples))
}

// Metrics returns a snapshot of the timeout counters.
func (t *Timeout) Metrics() TimeoutMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

func (t *Timeout) emitMetrics() {
	t.bus.Emit(TopicTimeoutMetrics, TimeoutMetricsEvent{Name: t.name, Metrics: t.Metrics()})
}

// Dispose stops the metrics timer and removes the timeout from its registry.
func (t *Timeout) Dispose() {
	t.stopOnce.Do(func() {
		close(t.stop)
		forget(t.reg, t.reg.timeouts, t.name, t)
	})
}
