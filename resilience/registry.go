// Package resilience provides fault-tolerance primitives for wrapping
// unreliable calls: circuit breakers, bulkheads, retries, timeouts and rate
// limiters. Every primitive reports state changes and metrics on an
// eventbus.Bus instead of calling its observers directly.
//
// Instances are named and owned by a Registry. Asking a registry for a name
// it already holds returns the existing instance; Dispose on an instance
// stops its timers and removes it from the registry.
//
//	reg := resilience.NewRegistry(bus)
//	defer reg.Close()
//
//	cb := reg.Breaker("billing", resilience.BreakerConfig{FailureThreshold: 3})
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return client.Charge(ctx, order)
//	})
package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// Func is a unit of work guarded by a primitive. Implementations should
// return promptly once ctx is done; primitives that race a deadline discard
// late results but cannot interrupt the call.
type Func func(ctx context.Context) error

// Executor is implemented by every primitive.
type Executor interface {
	Execute(ctx context.Context, fn Func) error
}

// Call runs fn through ex and returns its value.
func Call[T any](ctx context.Context, ex Executor, fn func(context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := ex.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

// Registry owns named primitive instances.
type Registry struct {
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead
	retriers  map[string]*Retry
	timeouts  map[string]*Timeout
	limiters  map[string]*RateLimiter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger handed to every instance.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for state transitions and
// metrics. Sleeps and deadlines still use real time.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry whose instances publish on bus. A nil bus
// gets a private one.
func NewRegistry(bus *eventbus.Bus, opts ...RegistryOption) *Registry {
	if bus == nil {
		bus = eventbus.New()
	}
	r := &Registry{
		bus:       bus,
		logger:    slog.Default(),
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
		retriers:  make(map[string]*Retry),
		timeouts:  make(map[string]*Timeout),
		limiters:  make(map[string]*RateLimiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bus returns the bus instances publish on.
func (r *Registry) Bus() *eventbus.Bus {
	return r.bus
}

// Breaker returns the breaker called name, creating it with cfg if needed.
// cfg is ignored when the breaker already exists.
func (r *Registry) Breaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return lookup(r, r.breakers, name, func() *CircuitBreaker { return newCircuitBreaker(r, name, cfg) })
}

// Bulkhead returns the bulkhead called name, creating it with cfg if needed.
func (r *Registry) Bulkhead(name string, cfg BulkheadConfig) *Bulkhead {
	return lookup(r, r.bulkheads, name, func() *Bulkhead { return newBulkhead(r, name, cfg) })
}

// Retrier returns the retry helper called name, creating it with cfg if needed.
func (r *Registry) Retrier(name string, cfg RetryConfig) *Retry {
	return lookup(r, r.retriers, name, func() *Retry { return newRetry(r, name, cfg) })
}

// Timeout returns the timeout executor called name, creating it with cfg if needed.
func (r *Registry) Timeout(name string, cfg TimeoutConfig) *Timeout {
	return lookup(r, r.timeouts, name, func() *Timeout { return newTimeout(r, name, cfg) })
}

// Limiter returns the rate limiter called name, creating it with cfg if needed.
func (r *Registry) Limiter(name string, cfg LimiterConfig) *RateLimiter {
	return lookup(r, r.limiters, name, func() *RateLimiter { return newRateLimiter(r, name, cfg) })
}

func lookup[T any](r *Registry, m map[string]*T, name string, create func() *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := m[name]; ok {
		return v
	}
	v := create()
	m[name] = v
	return v
}

// forget removes name from m if it still maps to v.
func forget[T any](r *Registry, m map[string]*T, name string, v *T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m[name] == v {
		delete(m, name)
	}
}

// Snapshot is a point-in-time view of every registered instance.
type Snapshot struct {
	Breakers  map[string]BreakerState       `json:"breakers"`
	Bulkheads map[string]BulkheadMetrics    `json:"bulkheads"`
	Retriers  map[string]RetryMetrics       `json:"retriers"`
	Timeouts  map[string]TimeoutMetrics     `json:"timeouts"`
	Limiters  map[string]RateLimiterMetrics `json:"limiters"`
}

// Snapshot collects the state of every registered instance.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, v := range r.breakers {
		breakers = append(breakers, v)
	}
	bulkheads := make([]*Bulkhead, 0, len(r.bulkheads))
	for _, v := range r.bulkheads {
		bulkheads = append(bulkheads, v)
	}
	retriers := make([]*Retry, 0, len(r.retriers))
	for _, v := range r.retriers {
		retriers = append(retriers, v)
	}
	timeouts := make([]*Timeout, 0, len(r.timeouts))
	for _, v := range r.timeouts {
		timeouts = append(timeouts, v)
	}
	limiters := make([]*RateLimiter, 0, len(r.limiters))
	for _, v := range r.limiters {
		limiters = append(limiters, v)
	}
	r.mu.Unlock()

	s := Snapshot{
		Breakers:  make(map[string]BreakerState, len(breakers)),
		Bulkheads: make(map[string]BulkheadMetrics, len(bulkheads)),
		Retriers:  make(map[string]RetryMetrics, len(retriers)),
		Timeouts:  make(map[string]TimeoutMetrics, len(timeouts)),
		Limiters:  make(map[string]RateLimiterMetrics, len(limiters)),
	}
	for _, v := range breakers {
		s.Breakers[v.Name()] = v.State()
	}
	for _, v := range bulkheads {
		s.Bulkheads[v.Name()] = v.Metrics()
	}
	for _, v := range retriers {
		s.Retriers[v.Name()] = v.Metrics()
	}
	for _, v := range timeouts {
		s.Timeouts[v.Name()] = v.Metrics()
	}
	for _, v := range limiters {
		s.Limiters[v.Name()] = v.Metrics()
	}
	return s
}

// Names returns the sorted names of every registered instance, prefixed by
// kind, e.g. "breaker/billing".
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for n := range r.breakers {
		out = append(out, "breaker/"+n)
	}
	for n := range r.bulkheads {
		out = append(out, "bulkhead/"+n)
	}
	for n := range r.retriers {
		out = append(out, "retry/"+n)
	}
	for n := range r.timeouts {
		out = append(out, "timeout/"+n)
	}
	for n := range r.limiters {
		out = append(out, "limiter/"+n)
	}
	sort.Strings(out)
	return out
}

// Close disposes every registered instance.
func (r *Registry) Close() {
	r.mu.Lock()
	var disposers []func()
	for _, v := range r.breakers {
		disposers = append(disposers, v.Dispose)
	}
	for _, v := range r.bulkheads {
		disposers = append(disposers, v.Dispose)
	}
	for _, v := range r.retriers {
		disposers = append(disposers, v.Dispose)
	}
	for _, v := range r.timeouts {
		disposers = append(disposers, v.Dispose)
	}
	for _, v := range r.limiters {
		disposers = append(disposers, v.Dispose)
	}
	r.mu.Unlock()

	for _, d := range disposers {
		d()
	}
}

// ticker runs fn every interval until stop is closed. A non-positive
// interval disables it.
func ticker(interval time.Duration, stop <-chan struct{}, fn func()) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}
