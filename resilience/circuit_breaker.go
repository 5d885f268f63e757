package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// State is a circuit breaker status.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold trips the breaker after this many failures since the
	// last success or reset (default 5)
	FailureThreshold int

	// ResetTimeout is how long to stay OPEN before allowing a trial (default 60s)
	ResetTimeout time.Duration

	// HalfOpenTimeout is how long HALF_OPEN lasts before the next call
	// closes the breaker (default 30s)
	HalfOpenTimeout time.Duration

	// MonitorInterval is the cadence of circuit:monitor events (default 5s,
	// negative disables)
	MonitorInterval time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = 30 * time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 5 * time.Second
	}
	return c
}

// BreakerState is a snapshot of a breaker.
type BreakerState struct {
	Status           State     `json:"status"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	LastStatusChange time.Time `json:"last_status_change"`
}

// CircuitBreaker short-circuits calls to a dependency that keeps failing.
//
// HALF_OPEN admits one trial at a time; other callers are rejected while
// it runs. HALF_OPEN also closes on elapsed time alone: once
// HalfOpenTimeout has passed, the next call attempt closes the breaker
// before running, whether or not any trial succeeded.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	reg    *Registry
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state BreakerState

	// trial is nonzero while a HALF_OPEN trial runs; each trial gets a
	// fresh token so a late finisher cannot clear a newer trial.
	trial     uint64
	lastTrial uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func newCircuitBreaker(r *Registry, name string, cfg BreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		reg:    r,
		bus:    r.bus,
		logger: r.logger,
		now:    r.now,
		stop:   make(chan struct{}),
	}
	cb.state = BreakerState{Status: StateClosed, LastStatusChange: cb.now()}
	ticker(cb.cfg.MonitorInterval, cb.stop, cb.emitMonitor)
	return cb
}

// Name returns the breaker's registry name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Func) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		cb.onFailure(err, trial)
		return err
	}
	cb.onSuccess(trial)
	return nil
}

// Wrap returns fn guarded by the breaker.
func (cb *CircuitBreaker) Wrap(fn Func) Func {
	return func(ctx context.Context) error {
		return cb.Execute(ctx, fn)
	}
}

// admit applies the time-based transitions and rejects while OPEN or while
// a HALF_OPEN trial is running. It returns the trial token when the caller
// is the trial.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	now := cb.now()
	var changes []CircuitStateChange

	if cb.state.Status == StateOpen {
		if now.Sub(cb.state.LastStatusChange) < cb.cfg.ResetTimeout {
			snap := cb.state
			cb.mu.Unlock()
			return 0, &BreakerOpenError{Name: cb.name, State: snap}
		}
		changes = append(changes, cb.transitionLocked(StateHalfOpen, now))
	}
	if cb.state.Status == StateHalfOpen && now.Sub(cb.state.LastStatusChange) >= cb.cfg.HalfOpenTimeout {
		changes = append(changes, cb.transitionLocked(StateClosed, now))
	}

	var trial uint64
	if cb.state.Status == StateHalfOpen {
		if cb.trial != 0 {
			snap := cb.state
			cb.mu.Unlock()
			cb.publishChanges(changes)
			return 0, &BreakerOpenError{Name: cb.name, State: snap}
		}
		cb.lastTrial++
		cb.trial = cb.lastTrial
		trial = cb.trial
	}
	cb.mu.Unlock()

	cb.publishChanges(changes)
	return trial, nil
}

func (cb *CircuitBreaker) endTrialLocked(trial uint64) {
	if trial != 0 && cb.trial == trial {
		cb.trial = 0
	}
}

func (cb *CircuitBreaker) onSuccess(trial uint64) {
	cb.mu.Lock()
	cb.endTrialLocked(trial)
	var changes []CircuitStateChange
	if cb.state.Status == StateHalfOpen {
		changes = append(changes, cb.transitionLocked(StateClosed, cb.now()))
	}
	cb.state.Failures = 0
	cb.mu.Unlock()

	cb.publishChanges(changes)
}

func (cb *CircuitBreaker) onFailure(err error, trial uint64) {
	cb.mu.Lock()
	cb.endTrialLocked(trial)
	now := cb.now()
	cb.state.Failures++
	cb.state.LastFailure = now

	var changes []CircuitStateChange
	if cb.state.Failures >= cb.cfg.FailureThreshold && cb.state.Status != StateOpen {
		changes = append(changes, cb.transitionLocked(StateOpen, now))
	}
	failure := CircuitFailure{
		Name:     cb.name,
		Error:    err.Error(),
		State:    cb.state.Status,
		Failures: cb.state.Failures,
	}
	cb.mu.Unlock()

	cb.publishChanges(changes)
	cb.bus.Emit(TopicCircuitFailure, failure)
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) CircuitStateChange {
	change := CircuitStateChange{
		Name:     cb.name,
		From:     cb.state.Status,
		To:       to,
		Failures: cb.state.Failures,
	}
	cb.state.Status = to
	cb.state.LastStatusChange = now
	cb.trial = 0
	return change
}

func (cb *CircuitBreaker) publishChanges(changes []CircuitStateChange) {
	for _, c := range changes {
		if c.To == StateOpen {
			cb.logger.Warn("circuit breaker opened", "name", cb.name, "failures", c.Failures)
		} else {
			cb.logger.Debug("circuit breaker state change", "name", cb.name, "from", c.From, "to", c.To)
		}
		cb.bus.Emit(TopicCircuitStateChange, c)
	}
}

func (cb *CircuitBreaker) emitMonitor() {
	cb.bus.Emit(TopicCircuitMonitor, CircuitMonitor{Name: cb.name, State: cb.State()})
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker CLOSED with no recorded failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.transitionLocked(StateClosed, cb.now())
	cb.state.Failures = 0
	cb.state.LastFailure = time.Time{}
	change.Failures = 0
	cb.mu.Unlock()

	cb.publishChanges([]CircuitStateChange{change})
}

// Dispose stops the monitor and removes the breaker from its registry.
func (cb *CircuitBreaker) Dispose() {
	cb.stopOnce.Do(func() {
		close(cb.stop)
		forget(cb.reg, cb.reg.breakers, cb.name, cb)
	})
}
