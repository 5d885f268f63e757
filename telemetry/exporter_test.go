package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/eventbus"
	"github.com/everydev1618/hive/resilience"
)

func TestExporterFromPrimitives(t *testing.T) {
	reg := prom.NewRegistry()
	exp, err := NewExporter("hive", reg)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}

	bus := eventbus.New()
	exp.Attach(bus)
	defer exp.Detach()

	rr := resilience.NewRegistry(bus)
	defer rr.Close()

	cb := rr.Breaker("billing", resilience.BreakerConfig{FailureThreshold: 2, MonitorInterval: -1})
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(context.Context) error { return boom })
	}

	if got := testutil.ToFloat64(exp.breakerFailures.WithLabelValues("billing")); got != 2 {
		t.Fatalf("breaker failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exp.breakerState.WithLabelValues("billing")); got != 1 {
		t.Fatalf("breaker state = %v, want 1 (open)", got)
	}
	if got := testutil.ToFloat64(exp.breakerChanges.WithLabelValues("billing", "OPEN")); got != 1 {
		t.Fatalf("transitions to OPEN = %v, want 1", got)
	}

	r := rr.Retrier("fetch", resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})
	r.Execute(context.Background(), func(context.Context) error { return boom })

	if got := testutil.ToFloat64(exp.retryAttempts.WithLabelValues("fetch")); got != 2 {
		t.Fatalf("retry attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exp.retryFailures.WithLabelValues("fetch")); got != 1 {
		t.Fatalf("retry failures = %v, want 1", got)
	}

	to := rr.Timeout("slow", resilience.TimeoutConfig{Timeout: time.Second, MetricsInterval: -1})
	to.Execute(context.Background(), func(context.Context) error { return nil })
	if got := testutil.ToFloat64(exp.timeoutCalls.WithLabelValues("slow", "success")); got != 1 {
		t.Fatalf("timeout successes = %v, want 1", got)
	}
}

func TestExporterObserve(t *testing.T) {
	exp, err := NewExporter("hive", prom.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	exp.Observe(eventbus.Event{Payload: resilience.BulkheadMetricsEvent{
		Name:    "api",
		Metrics: resilience.BulkheadMetrics{Active: 3, Queued: 2, RejectedCount: 5},
	}})
	exp.Observe(eventbus.Event{Payload: resilience.LimiterQueued{
		Name:    "submit",
		Metrics: resilience.RateLimiterMetrics{CurrentQueueSize: 4, AvailableTokens: 0.5, RejectedRequests: 1},
	}})
	exp.Observe(eventbus.Event{Payload: hive.TaskSubmitted{}})
	exp.Observe(eventbus.Event{Payload: hive.TaskSubmitted{}})
	exp.Observe(eventbus.Event{Payload: hive.TaskCompleted{}})
	exp.Observe(eventbus.Event{Payload: hive.WorkerExpired{}})

	tests := []struct {
		name      string
		collector prom.Collector
		want      float64
	}{
		{"bulkhead active", exp.bulkheadActive.WithLabelValues("api"), 3},
		{"bulkhead queued", exp.bulkheadQueued.WithLabelValues("api"), 2},
		{"bulkhead rejected", exp.bulkheadCalls.WithLabelValues("api", "rejected"), 5},
		{"limiter queue", exp.limiterQueue.WithLabelValues("submit"), 4},
		{"limiter tokens", exp.limiterTokens.WithLabelValues("submit"), 0.5},
		{"limiter rejected", exp.limiterRequests.WithLabelValues("submit", "rejected"), 1},
		{"tasks submitted", exp.taskEvents.WithLabelValues(hive.TopicTaskSubmitted), 2},
		{"tasks completed", exp.taskEvents.WithLabelValues(hive.TopicTaskCompleted), 1},
		{"workers expired", exp.workerEvents.WithLabelValues(hive.TopicWorkerExpired), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("hive", reg)
	if err != nil {
		t.Fatalf("first NewExporter failed: %v", err)
	}
	second, err := NewExporter("hive", reg)
	if err != nil {
		t.Fatalf("second NewExporter failed: %v", err)
	}

	first.Observe(eventbus.Event{Payload: resilience.RetryFailure{Name: "x"}})
	if got := testutil.ToFloat64(second.retryFailures.WithLabelValues("x")); got != 1 {
		t.Fatalf("shared retry failures = %v, want 1", got)
	}
}

func TestExporterDetach(t *testing.T) {
	exp, err := NewExporter("hive", prom.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	exp.Attach(bus)
	exp.Detach()

	bus.Emit(resilience.TopicRetryFailure, resilience.RetryFailure{Name: "x"})
	if got := testutil.ToFloat64(exp.retryFailures.WithLabelValues("x")); got != 0 {
		t.Errorf("retry failures after Detach = %v, want 0", got)
	}
}
