package resilience

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// RetryConfig configures a Retry.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first (default 3)
	MaxAttempts int

	// InitialDelay is the wait after the first failure (default 1s)
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts (default 30s)
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each failure (default 2)
	BackoffFactor float64

	// RetryableErrors are substrings of retryable error messages.
	RetryableErrors []string

	// RetryablePatterns match retryable error messages.
	RetryablePatterns []*regexp.Regexp
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	return c
}

// RetryMetrics is a snapshot of retry counters.
type RetryMetrics struct {
	Attempts        int       `json:"attempts"`
	Successes       int       `json:"successes"`
	Failures        int       `json:"failures"`
	LastAttemptTime time.Time `json:"last_attempt_time,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Retry re-runs failing calls with exponential backoff.
type Retry struct {
	name    string
	cfg     RetryConfig
	backoff Backoff
	reg     *Registry
	bus     *eventbus.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	metrics RetryMetrics

	disposeOnce sync.Once
}

func newRetry(r *Registry, name string, cfg RetryConfig) *Retry {
	cfg = cfg.withDefaults()
	return &Retry{
		name: name,
		cfg:  cfg,
		backoff: Backoff{
			Initial:    cfg.InitialDelay,
			Multiplier: cfg.BackoffFactor,
			Max:        cfg.MaxDelay,
		},
		reg:    r,
		bus:    r.bus,
		logger: r.logger,
		now:    r.now,
	}
}

// Name returns the retry helper's registry name.
func (r *Retry) Name() string {
	return r.name
}

// Delay returns the wait between attempt k+1 and k+2, counting k from zero.
func (r *Retry) Delay(k int) time.Duration {
	return r.backoff.Delay(k)
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last error is returned unchanged. A done ctx
// ends the wait between attempts and returns ctx.Err().
func (r *Retry) Execute(ctx context.Context, fn Func) error {
	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		r.metrics.Attempts++
		r.metrics.LastAttemptTime = r.now()
		r.mu.Unlock()

		err := fn(ctx)
		if err == nil {
			r.mu.Lock()
			r.metrics.Successes++
			snap := r.metrics
			r.mu.Unlock()
			r.bus.Emit(TopicRetryMetrics, RetryMetricsEvent{Name: r.name, Metrics: snap})
			return nil
		}

		r.mu.Lock()
		r.metrics.LastError = err.Error()
		r.mu.Unlock()

		if !r.IsRetryable(err) || attempt >= r.cfg.MaxAttempts {
			r.fail(attempt, err)
			return err
		}

		delay := r.Delay(attempt - 1)
		r.mu.Lock()
		snap := r.metrics
		r.mu.Unlock()
		r.bus.Emit(TopicRetryAttempt, RetryAttempt{
			Name:      r.name,
			Attempt:   attempt,
			Error:     err.Error(),
			NextDelay: delay,
			Metrics:   snap,
		})
		r.logger.Debug("retrying", "name", r.name, "attempt", attempt, "delay", delay, "error", err)

		if serr := sleep(ctx, delay); serr != nil {
			r.fail(attempt, serr)
			return serr
		}
	}
}

func (r *Retry) fail(attempt int, err error) {
	r.mu.Lock()
	r.metrics.Failures++
	snap := r.metrics
	r.mu.Unlock()

	r.bus.Emit(TopicRetryFailure, RetryFailure{
		Name:     r.name,
		Attempts: attempt,
		Error:    err.Error(),
		Metrics:  snap,
	})
	r.bus.Emit(TopicRetryMetrics, RetryMetricsEvent{Name: r.name, Metrics: snap})
}

// Wrap returns fn with retries applied.
func (r *Retry) Wrap(fn Func) Func {
	return func(ctx context.Context) error {
		return r.Execute(ctx, fn)
	}
}

// IsRetryable reports whether err should be retried. With no configured
// substrings or patterns every error is retryable.
func (r *Retry) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if len(r.cfg.RetryableErrors) == 0 && len(r.cfg.RetryablePatterns) == 0 {
		return true
	}

	msg := err.Error()
	for _, s := range r.cfg.RetryableErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, p := range r.cfg.RetryablePatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}

// Metrics returns a snapshot of the retry counters.
func (r *Retry) Metrics() RetryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Reset zeroes the counters and publishes them.
func (r *Retry) Reset() {
	r.mu.Lock()
	r.metrics = RetryMetrics{}
	r.mu.Unlock()

	r.bus.Emit(TopicRetryMetrics, RetryMetricsEvent{Name: r.name})
}

// Dispose removes the retry helper from its registry.
func (r *Retry) Dispose() {
	r.disposeOnce.Do(func() {
		forget(r.reg, r.reg.retriers, r.name, r)
	})
}
