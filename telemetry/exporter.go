// Package telemetry exports event bus telemetry as Prometheus metrics.
package telemetry

import (
	"errors"
	"fmt"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/eventbus"
	"github.com/everydev1618/hive/resilience"
)

// Exporter turns bus events from the resilience primitives, the
// orchestrator and the worker directory into Prometheus collectors. It
// never polls; every value comes from an event.
type Exporter struct {
	breakerState    *prom.GaugeVec
	breakerFailures *prom.CounterVec
	breakerChanges  *prom.CounterVec

	bulkheadActive *prom.GaugeVec
	bulkheadQueued *prom.GaugeVec
	bulkheadCalls  *prom.GaugeVec

	retryAttempts *prom.CounterVec
	retryFailures *prom.CounterVec

	timeoutCalls   *prom.GaugeVec
	timeoutAverage *prom.GaugeVec

	limiterQueue    *prom.GaugeVec
	limiterTokens   *prom.GaugeVec
	limiterRequests *prom.GaugeVec

	taskEvents   *prom.CounterVec
	workerEvents *prom.CounterVec

	mu   sync.Mutex
	bus  *eventbus.Bus
	subs eventbus.SubscriptionID
}

// NewExporter creates and registers the collectors under namespace
// (default "hive"). A nil registerer means prom.DefaultRegisterer.
// Registering twice against the same registerer reuses the collectors.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "hive"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	counter := func(name, help string, labels ...string) *prom.CounterVec {
		return prom.NewCounterVec(prom.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	e := &Exporter{
		breakerState:    gauge("circuit_breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open).", "name"),
		breakerFailures: counter("circuit_breaker_failures_total", "Failed calls recorded by circuit breakers.", "name"),
		breakerChanges:  counter("circuit_breaker_transitions_total", "Circuit breaker state transitions.", "name", "to"),

		bulkheadActive: gauge("bulkhead_active", "Calls currently running inside a bulkhead.", "name"),
		bulkheadQueued: gauge("bulkhead_queued", "Calls waiting for a bulkhead slot.", "name"),
		bulkheadCalls:  gauge("bulkhead_calls", "Bulkhead calls by outcome, as last reported.", "name", "outcome"),

		retryAttempts: counter("retry_attempts_total", "Failed attempts that were retried.", "name"),
		retryFailures: counter("retry_failures_total", "Calls that exhausted their retries.", "name"),

		timeoutCalls:   gauge("timeout_calls", "Timeout executor attempts by outcome, as last reported.", "name", "outcome"),
		timeoutAverage: gauge("timeout_average_execution_seconds", "Rolling average attempt duration.", "name"),

		limiterQueue:    gauge("rate_limiter_queue_size", "Requests waiting for a rate limiter token.", "name"),
		limiterTokens:   gauge("rate_limiter_available_tokens", "Tokens currently available.", "name"),
		limiterRequests: gauge("rate_limiter_requests", "Rate limiter requests by outcome, as last reported.", "name", "outcome"),

		taskEvents:   counter("task_events_total", "Orchestrator task lifecycle events.", "event"),
		workerEvents: counter("worker_events_total", "Worker directory events.", "event"),
	}

	var err error
	if e.breakerState, err = registerCollector(reg, e.breakerState); err != nil {
		return nil, err
	}
	if e.breakerFailures, err = registerCollector(reg, e.breakerFailures); err != nil {
		return nil, err
	}
	if e.breakerChanges, err = registerCollector(reg, e.breakerChanges); err != nil {
		return nil, err
	}
	if e.bulkheadActive, err = registerCollector(reg, e.bulkheadActive); err != nil {
		return nil, err
	}
	if e.bulkheadQueued, err = registerCollector(reg, e.bulkheadQueued); err != nil {
		return nil, err
	}
	if e.bulkheadCalls, err = registerCollector(reg, e.bulkheadCalls); err != nil {
		return nil, err
	}
	if e.retryAttempts, err = registerCollector(reg, e.retryAttempts); err != nil {
		return nil, err
	}
	if e.retryFailures, err = registerCollector(reg, e.retryFailures); err != nil {
		return nil, err
	}
	if e.timeoutCalls, err = registerCollector(reg, e.timeoutCalls); err != nil {
		return nil, err
	}
	if e.timeoutAverage, err = registerCollector(reg, e.timeoutAverage); err != nil {
		return nil, err
	}
	if e.limiterQueue, err = registerCollector(reg, e.limiterQueue); err != nil {
		return nil, err
	}
	if e.limiterTokens, err = registerCollector(reg, e.limiterTokens); err != nil {
		return nil, err
	}
	if e.limiterRequests, err = registerCollector(reg, e.limiterRequests); err != nil {
		return nil, err
	}
	if e.taskEvents, err = registerCollector(reg, e.taskEvents); err != nil {
		return nil, err
	}
	if e.workerEvents, err = registerCollector(reg, e.workerEvents); err != nil {
		return nil, err
	}
	return e, nil
}

// Attach subscribes the exporter to every event on bus. Attaching again
// moves the subscription to the new bus.
func (e *Exporter) Attach(bus *eventbus.Bus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus != nil {
		e.bus.Off("", e.subs)
	}
	e.bus = bus
	e.subs = bus.OnAll(e.Observe)
}

// Detach stops observing the bus.
func (e *Exporter) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus != nil {
		e.bus.Off("", e.subs)
		e.bus = nil
	}
}

// Observe updates collectors from a single event. Unknown payloads are
// ignored.
func (e *Exporter) Observe(ev eventbus.Event) {
	switch p := ev.Payload.(type) {
	case resilience.CircuitFailure:
		e.breakerFailures.WithLabelValues(label(p.Name)).Inc()
	case resilience.CircuitStateChange:
		e.breakerState.WithLabelValues(label(p.Name)).Set(stateValue(p.To))
		e.breakerChanges.WithLabelValues(label(p.Name), string(p.To)).Inc()
	case resilience.CircuitMonitor:
		e.breakerState.WithLabelValues(label(p.Name)).Set(stateValue(p.State.Status))

	case resilience.BulkheadMetricsEvent:
		e.observeBulkhead(p.Name, p.Metrics)

	case resilience.RetryAttempt:
		e.retryAttempts.WithLabelValues(label(p.Name)).Inc()
	case resilience.RetryFailure:
		e.retryFailures.WithLabelValues(label(p.Name)).Inc()

	case resilience.TimeoutMetricsEvent:
		name := label(p.Name)
		m := p.Metrics
		e.timeoutCalls.WithLabelValues(name, "success").Set(float64(m.SuccessCount))
		e.timeoutCalls.WithLabelValues(name, "timeout").Set(float64(m.TimeoutCount))
		e.timeoutCalls.WithLabelValues(name, "failure").Set(float64(m.FailureCount))
		e.timeoutAverage.WithLabelValues(name).Set(m.AverageExecutionTime.Seconds())

	case resilience.LimiterQueued:
		e.observeLimiter(p.Name, p.Metrics)
	case resilience.LimiterMetricsEvent:
		e.observeLimiter(p.Name, p.Metrics)

	case hive.TaskSubmitted, hive.TaskAssigned, hive.TaskRunning, hive.TaskCompleted,
		hive.TaskFailed, hive.TaskTimedOut, hive.TaskReassigned, hive.TaskCanceled:
		e.taskEvents.WithLabelValues(ev.Payload.Kind()).Inc()

	case hive.WorkerRegistered, hive.WorkerDeregistered, hive.WorkerExpired:
		e.workerEvents.WithLabelValues(ev.Payload.Kind()).Inc()
	}
}

func (e *Exporter) observeBulkhead(name string, m resilience.BulkheadMetrics) {
	name = label(name)
	e.bulkheadActive.WithLabelValues(name).Set(float64(m.Active))
	e.bulkheadQueued.WithLabelValues(name).Set(float64(m.Queued))
	e.bulkheadCalls.WithLabelValues(name, "success").Set(float64(m.SuccessCount))
	e.bulkheadCalls.WithLabelValues(name, "failure").Set(float64(m.FailureCount))
	e.bulkheadCalls.WithLabelValues(name, "timeout").Set(float64(m.TimeoutCount))
	e.bulkheadCalls.WithLabelValues(name, "rejected").Set(float64(m.RejectedCount))
}

func (e *Exporter) observeLimiter(name string, m resilience.RateLimiterMetrics) {
	name = label(name)
	e.limiterQueue.WithLabelValues(name).Set(float64(m.CurrentQueueSize))
	e.limiterTokens.WithLabelValues(name).Set(m.AvailableTokens)
	e.limiterRequests.WithLabelValues(name, "total").Set(float64(m.TotalRequests))
	e.limiterRequests.WithLabelValues(name, "success").Set(float64(m.SuccessfulRequests))
	e.limiterRequests.WithLabelValues(name, "failure").Set(float64(m.FailedRequests))
	e.limiterRequests.WithLabelValues(name, "rejected").Set(float64(m.RejectedRequests))
	e.limiterRequests.WithLabelValues(name, "timed_out").Set(float64(m.TimedOutRequests))
}

func stateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateOpen:
		return 1
	case resilience.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
