package resilience

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// minLimiterWait keeps the drain loop from spinning on rounding.
const minLimiterWait = time.Millisecond

// LimiterConfig configures a RateLimiter.
type LimiterConfig struct {
	// RequestsPerPeriod is the bucket size and the admission cap per
	// Period (default 10)
	RequestsPerPeriod int

	// Period is the refill window (default 1s)
	Period time.Duration

	// MaxQueueSize is how many requests may wait for a token; zero rejects
	// as soon as the bucket is empty
	MaxQueueSize int

	// QueueTimeout drops queued requests that waited longer (default 30s)
	QueueTimeout time.Duration

	// MetricsInterval is the cadence of periodic rate_limiter:metrics
	// events (default 5s, negative disables)
	MetricsInterval time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.RequestsPerPeriod <= 0 {
		c.RequestsPerPeriod = 10
	}
	if c.Period <= 0 {
		c.Period = time.Second
	}
	if c.MaxQueueSize < 0 {
		c.MaxQueueSize = 0
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 30 * time.Second
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 5 * time.Second
	}
	return c
}

// RateLimiterMetrics is a snapshot of limiter counters.
type RateLimiterMetrics struct {
	TotalRequests           int       `json:"total_requests"`
	SuccessfulRequests      int       `json:"successful_requests"`
	FailedRequests          int       `json:"failed_requests"`
	RejectedRequests        int       `json:"rejected_requests"`
	QueuedRequests          int       `json:"queued_requests"`
	TimedOutRequests        int       `json:"timed_out_requests"`
	CurrentQueueSize        int       `json:"current_queue_size"`
	RequestsInCurrentPeriod int       `json:"requests_in_current_period"`
	AvailableTokens         float64   `json:"available_tokens"`
	PeriodStart             time.Time `json:"period_start"`
}

type limiterItem struct {
	enqueued time.Time
	ready    chan error
}

// RateLimiter is a token bucket with a bounded FIFO queue for requests that
// arrive while the bucket is empty.
//
// Admission is also held to at most RequestsPerPeriod starts within any
// sliding Period, so proportional refill never lets a burst exceed the cap.
type RateLimiter struct {
	name   string
	cfg    LimiterConfig
	reg    *Registry
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	admissions []time.Time
	queue      []*limiterItem
	processing bool
	disposed   bool
	metrics    RateLimiterMetrics

	stop     chan struct{}
	stopOnce sync.Once
}

func newRateLimiter(r *Registry, name string, cfg LimiterConfig) *RateLimiter {
	cfg = cfg.withDefaults()
	now := r.now()
	l := &RateLimiter{
		name:       name,
		cfg:        cfg,
		reg:        r,
		bus:        r.bus,
		logger:     r.logger,
		now:        r.now,
		tokens:     float64(cfg.RequestsPerPeriod),
		lastRefill: now,
		stop:       make(chan struct{}),
	}
	l.metrics.PeriodStart = now
	ticker(cfg.MetricsInterval, l.stop, l.emitMetrics)
	return l
}

// Name returns the limiter's registry name.
func (l *RateLimiter) Name() string {
	return l.name
}

// Execute runs fn as soon as a token is available. With no token it waits
// in the queue, or fails with ErrRateLimited when the queue is full.
func (l *RateLimiter) Execute(ctx context.Context, fn Func) error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return &RateLimitError{Name: l.name, Err: ErrDisposed}
	}
	l.metrics.TotalRequests++
	now := l.now()

	// Waiting callers keep their place; newcomers only bypass an empty queue.
	if len(l.queue) == 0 && l.tryAcquireLocked(now) {
		l.mu.Unlock()
		return l.run(ctx, fn)
	}

	if len(l.queue) >= l.cfg.MaxQueueSize {
		l.metrics.RejectedRequests++
		snap := l.snapshotLocked()
		l.mu.Unlock()
		l.publish(snap)
		return &RateLimitError{Name: l.name, Metrics: snap, Err: ErrRateLimited}
	}

	item := &limiterItem{enqueued: now, ready: make(chan error, 1)}
	l.queue = append(l.queue, item)
	l.metrics.QueuedRequests++
	snap := l.snapshotLocked()
	if !l.processing {
		l.processing = true
		go l.drain()
	}
	l.mu.Unlock()

	l.bus.Emit(TopicLimiterQueued, LimiterQueued{
		Name:        l.name,
		QueueLength: snap.CurrentQueueSize,
		QueuedAt:    now,
		Metrics:     snap,
	})

	select {
	case err := <-item.ready:
		if err != nil {
			return err
		}
		return l.run(ctx, fn)
	case <-ctx.Done():
		l.mu.Lock()
		removed := l.removeLocked(item)
		l.mu.Unlock()
		if !removed {
			// The drain loop already answered; honor a granted token.
			if err := <-item.ready; err == nil {
				return l.run(ctx, fn)
			}
		}
		return ctx.Err()
	}
}

// Wrap returns fn guarded by the limiter.
func (l *RateLimiter) Wrap(fn Func) Func {
	return func(ctx context.Context) error {
		return l.Execute(ctx, fn)
	}
}

func (l *RateLimiter) run(ctx context.Context, fn Func) error {
	err := fn(ctx)

	l.mu.Lock()
	if err == nil {
		l.metrics.SuccessfulRequests++
	} else {
		l.metrics.FailedRequests++
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(snap)
	return err
}

// drain is the single queue-draining routine. It exits when the queue is
// empty or the limiter is disposed.
func (l *RateLimiter) drain() {
	for {
		l.mu.Lock()
		if l.disposed || len(l.queue) == 0 {
			l.processing = false
			l.mu.Unlock()
			return
		}

		now := l.now()
		l.refillLocked(now)
		if !l.availableLocked(now) {
			wait := l.waitLocked(now)
			l.mu.Unlock()

			t := time.NewTimer(wait)
			select {
			case <-l.stop:
				t.Stop()
			case <-t.C:
			}
			continue
		}

		head := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]

		if now.Sub(head.enqueued) > l.cfg.QueueTimeout {
			l.metrics.TimedOutRequests++
			l.metrics.FailedRequests++
			snap := l.snapshotLocked()
			l.mu.Unlock()
			head.ready <- &RateLimitError{Name: l.name, Metrics: snap, Err: ErrQueueTimeout}
			l.publish(snap)
			continue
		}

		l.consumeLocked(now)
		l.mu.Unlock()
		head.ready <- nil
	}
}

// refillLocked tops up the bucket: a full period restores every token and
// starts a new period, a partial one adds a proportional whole number.
func (l *RateLimiter) refillLocked(now time.Time) {
	n := float64(l.cfg.RequestsPerPeriod)
	elapsed := now.Sub(l.lastRefill)

	if elapsed >= l.cfg.Period {
		l.tokens = n
		l.lastRefill = now
		l.metrics.PeriodStart = now
		l.metrics.RequestsInCurrentPeriod = 0
		return
	}

	add := math.Floor(float64(elapsed) / float64(l.cfg.Period) * n)
	if add > 0 {
		l.tokens = math.Min(l.tokens+add, n)
		l.lastRefill = now
	}
}

// availableLocked reports whether a request could start at now: a token
// must be in the bucket and fewer than RequestsPerPeriod requests may have
// started in the trailing Period.
func (l *RateLimiter) availableLocked(now time.Time) bool {
	if l.tokens < 1 {
		return false
	}
	if len(l.admissions) < l.cfg.RequestsPerPeriod {
		return true
	}
	return now.Sub(l.admissions[0]) >= l.cfg.Period
}

func (l *RateLimiter) tryAcquireLocked(now time.Time) bool {
	l.refillLocked(now)
	if !l.availableLocked(now) {
		return false
	}
	l.consumeLocked(now)
	return true
}

func (l *RateLimiter) consumeLocked(now time.Time) {
	l.tokens--
	l.metrics.RequestsInCurrentPeriod++
	l.admissions = append(l.admissions, now)
	if over := len(l.admissions) - l.cfg.RequestsPerPeriod; over > 0 {
		l.admissions = append(l.admissions[:0:0], l.admissions[over:]...)
	}
}

// waitLocked estimates how long until availableLocked may turn true.
func (l *RateLimiter) waitLocked(now time.Time) time.Duration {
	var wait time.Duration
	if l.tokens < 1 {
		perToken := l.cfg.Period / time.Duration(l.cfg.RequestsPerPeriod)
		wait = perToken - now.Sub(l.lastRefill)
	}
	if len(l.admissions) >= l.cfg.RequestsPerPeriod {
		if w := l.admissions[0].Add(l.cfg.Period).Sub(now); w > wait {
			wait = w
		}
	}
	if wait < minLimiterWait {
		wait = minLimiterWait
	}
	return wait
}

func (l *RateLimiter) removeLocked(item *limiterItem) bool {
	for i, q := range l.queue {
		if q == item {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (l *RateLimiter) snapshotLocked() RateLimiterMetrics {
	m := l.metrics
	m.CurrentQueueSize = len(l.queue)
	m.AvailableTokens = l.tokens
	return m
}

// Metrics returns a snapshot of the limiter counters.
func (l *RateLimiter) Metrics() RateLimiterMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *RateLimiter) emitMetrics() {
	l.publish(l.Metrics())
}

func (l *RateLimiter) publish(m RateLimiterMetrics) {
	l.bus.Emit(TopicLimiterMetrics, LimiterMetricsEvent{Name: l.name, Metrics: m})
}

// Reset refills the bucket and zeroes the counters. Queued requests keep
// their place.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	now := l.now()
	l.tokens = float64(l.cfg.RequestsPerPeriod)
	l.lastRefill = now
	l.admissions = nil
	l.metrics = RateLimiterMetrics{PeriodStart: now}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(snap)
}

// Dispose fails every queued request with ErrDisposed, stops the timers and
// removes the limiter from its registry.
func (l *RateLimiter) Dispose() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.disposed = true
		queued := l.queue
		l.queue = nil
		snap := l.snapshotLocked()
		l.mu.Unlock()

		for _, item := range queued {
			item.ready <- &RateLimitError{Name: l.name, Metrics: snap, Err: ErrDisposed}
		}
		close(l.stop)
		forget(l.reg, l.reg.limiters, l.name, l)
		l.logger.Debug("rate limiter disposed", "name", l.name, "rejected", len(queued))
	})
}
