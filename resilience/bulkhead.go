package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// BulkheadConfig configures a Bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the number of calls allowed to run at once (default 10)
	MaxConcurrent int

	// MaxQueue is how many calls may wait for a slot; zero rejects as soon
	// as every slot is busy
	MaxQueue int

	// Timeout bounds each admitted call; zero means no deadline
	Timeout time.Duration

	// TickInterval is the queue drain cadence (default 100ms)
	TickInterval time.Duration

	// MetricsInterval is the cadence of periodic bulkhead:metrics events
	// (default 5s, negative disables)
	MetricsInterval time.Duration
}

func (c BulkheadConfig) withDefaults() BulkheadConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 5 * time.Second
	}
	return c
}

// BulkheadMetrics is a snapshot of bulkhead counters.
type BulkheadMetrics struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	SuccessCount  int `json:"success_count"`
	FailureCount  int `json:"failure_count"`
	TimeoutCount  int `json:"timeout_count"`
	RejectedCount int `json:"rejected_count"`
}

type bulkheadItem struct {
	enqueued time.Time
	ready    chan struct{}
	admitted bool
}

// Bulkhead caps concurrent calls and holds a bounded FIFO backlog.
type Bulkhead struct {
	name   string
	cfg    BulkheadConfig
	reg    *Registry
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	active   int
	queue    []*bulkheadItem
	metrics  BulkheadMetrics
	disposed bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newBulkhead(r *Registry, name string, cfg BulkheadConfig) *Bulkhead {
	b := &Bulkhead{
		name:   name,
		cfg:    cfg.withDefaults(),
		reg:    r,
		bus:    r.bus,
		logger: r.logger,
		now:    r.now,
		stop:   make(chan struct{}),
	}
	ticker(b.cfg.TickInterval, b.stop, b.tick)
	ticker(b.cfg.MetricsInterval, b.stop, b.emitMetrics)
	return b
}

// Name returns the bulkhead's registry name.
func (b *Bulkhead) Name() string {
	return b.name
}

// Execute runs fn when a slot is free, waiting in the queue if necessary.
// A caller whose ctx ends while queued leaves the queue with ctx.Err().
func (b *Bulkhead) Execute(ctx context.Context, fn Func) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return &BulkheadError{Name: b.name, Err: ErrDisposed}
	}

	if b.active < b.cfg.MaxConcurrent {
		b.active++
		b.mu.Unlock()
		b.emitMetrics()
		return b.run(ctx, fn)
	}

	if len(b.queue) >= b.cfg.MaxQueue {
		b.metrics.RejectedCount++
		snap := b.snapshotLocked()
		b.mu.Unlock()
		b.publish(snap)
		return &BulkheadError{Name: b.name, Metrics: snap, Err: ErrBulkheadFull}
	}

	item := &bulkheadItem{enqueued: b.now(), ready: make(chan struct{})}
	b.queue = append(b.queue, item)
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.publish(snap)

	select {
	case <-item.ready:
		return b.run(ctx, fn)
	case <-ctx.Done():
		b.mu.Lock()
		if item.admitted {
			// Admitted concurrently with cancellation; give the slot back.
			b.mu.Unlock()
			b.release()
			return ctx.Err()
		}
		b.removeLocked(item)
		snap := b.snapshotLocked()
		b.mu.Unlock()
		b.publish(snap)
		return ctx.Err()
	}
}

// Wrap returns fn guarded by the bulkhead.
func (b *Bulkhead) Wrap(fn Func) Func {
	return func(ctx context.Context) error {
		return b.Execute(ctx, fn)
	}
}

// run executes fn in an already reserved slot.
func (b *Bulkhead) run(ctx context.Context, fn Func) error {
	err := b.invoke(ctx, fn)

	b.mu.Lock()
	switch {
	case err == nil:
		b.metrics.SuccessCount++
	case errors.Is(err, ErrTimeout):
		b.metrics.TimeoutCount++
	default:
		b.metrics.FailureCount++
	}
	if errors.Is(err, ErrTimeout) {
		err = &BulkheadError{Name: b.name, Metrics: b.snapshotLocked(), Err: err}
	}
	b.mu.Unlock()

	b.release()
	return err
}

func (b *Bulkhead) invoke(ctx context.Context, fn Func) error {
	if b.cfg.Timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
}

// release frees a slot and hands it to the next queued caller.
func (b *Bulkhead) release() {
	b.mu.Lock()
	b.active--
	b.drainLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.publish(snap)
}

func (b *Bulkhead) tick() {
	b.mu.Lock()
	n := b.drainLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()
	if n > 0 {
		b.publish(snap)
	}
}

// drainLocked admits queued callers while slots are free and returns how
// many it admitted.
func (b *Bulkhead) drainLocked() int {
	n := 0
	for b.active < b.cfg.MaxConcurrent && len(b.queue) > 0 {
		item := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		item.admitted = true
		b.active++
		close(item.ready)
		n++
	}
	return n
}

func (b *Bulkhead) removeLocked(item *bulkheadItem) {
	for i, q := range b.queue {
		if q == item {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

func (b *Bulkhead) snapshotLocked() BulkheadMetrics {
	m := b.metrics
	m.Active = b.active
	m.Queued = len(b.queue)
	return m
}

// Metrics returns a snapshot of the bulkhead counters.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bulkhead) emitMetrics() {
	b.publish(b.Metrics())
}

func (b *Bulkhead) publish(m BulkheadMetrics) {
	b.bus.Emit(TopicBulkheadMetrics, BulkheadMetricsEvent{Name: b.name, Metrics: m})
}

// Dispose stops the drain and metrics timers and removes the bulkhead from
// its registry. In-flight and queued calls are left to finish; new calls
// fail with ErrDisposed.
func (b *Bulkhead) Dispose() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.disposed = true
		b.mu.Unlock()
		close(b.stop)
		forget(b.reg, b.reg.bulkheads, b.name, b)
	})
}
