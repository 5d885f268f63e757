package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/everydev1618/hive/eventbus"
	"github.com/everydev1618/hive/resilience"
)

// WorkerNotifier delivers assignment and cancellation signals to workers.
// Errors from NotifyAssignment drive the orchestrator's retry and breaker.
type WorkerNotifier interface {
	NotifyAssignment(ctx context.Context, w WorkerInfo, t Task) error
	NotifyCancel(ctx context.Context, workerID, taskID string) error
}

// BusNotifier delivers signals as events for workers living in the same
// process. Delivery is synchronous, so a worker handler that panics is
// logged by the bus and the assignment still counts as delivered.
type BusNotifier struct {
	bus *eventbus.Bus
}

// NewBusNotifier creates a BusNotifier publishing on bus.
func NewBusNotifier(bus *eventbus.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// NotifyAssignment emits TopicWorkerTaskAssign.
func (n *BusNotifier) NotifyAssignment(ctx context.Context, w WorkerInfo, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.bus.Emit(TopicWorkerTaskAssign, WorkerTaskAssign{WorkerID: w.ID, Task: t})
	return nil
}

// NotifyCancel emits TopicWorkerTaskCancel.
func (n *BusNotifier) NotifyCancel(ctx context.Context, workerID, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.bus.Emit(TopicWorkerTaskCancel, WorkerTaskCancel{WorkerID: workerID, TaskID: taskID})
	return nil
}

// HTTPNotifierConfig configures an HTTPNotifier.
type HTTPNotifierConfig struct {
	// Timeout bounds each request (default 10s)
	Timeout time.Duration

	// MaxConcurrent caps in-flight requests across all workers (default 16)
	MaxConcurrent int

	// MaxQueue is how many requests may wait for a slot (default 64)
	MaxQueue int
}

func (c HTTPNotifierConfig) withDefaults() HTTPNotifierConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 64
	}
	return c
}

// HTTPNotifier POSTs signals to a worker's Endpoint. Requests share a
// bulkhead and each is bounded by a timeout executor from the registry.
//
// Assignments go to POST {endpoint}/tasks with the task as the JSON body;
// cancellations go to POST {endpoint}/tasks/{id}/cancel.
type HTTPNotifier struct {
	directory  WorkerDirectory
	httpClient *http.Client
	bulkhead   *resilience.Bulkhead
	timeout    *resilience.Timeout
}

// NewHTTPNotifier creates an HTTPNotifier. The directory resolves worker
// endpoints for cancellations.
func NewHTTPNotifier(dir WorkerDirectory, reg *resilience.Registry, cfg HTTPNotifierConfig) *HTTPNotifier {
	cfg = cfg.withDefaults()
	return &HTTPNotifier{
		directory:  dir,
		httpClient: &http.Client{},
		bulkhead: reg.Bulkhead("worker-notify", resilience.BulkheadConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxQueue:      cfg.MaxQueue,
		}),
		timeout: reg.Timeout("worker-notify", resilience.TimeoutConfig{
			Timeout: cfg.Timeout,
		}),
	}
}

// NotifyAssignment sends t to w.
func (n *HTTPNotifier) NotifyAssignment(ctx context.Context, w WorkerInfo, t Task) error {
	if w.Endpoint == "" {
		return &TaskError{TaskID: t.ID, WorkerID: w.ID, Err: ErrNoEndpoint}
	}
	return n.post(ctx, endpointURL(w.Endpoint, "tasks"), t)
}

// NotifyCancel tells the worker to stop taskID.
func (n *HTTPNotifier) NotifyCancel(ctx context.Context, workerID, taskID string) error {
	workers, err := n.directory.FindWorkers(ctx, WorkerQuery{})
	if err != nil {
		return fmt.Errorf("resolve worker %s: %w", workerID, err)
	}
	for _, w := range workers {
		if w.ID != workerID {
			continue
		}
		if w.Endpoint == "" {
			return &TaskError{TaskID: taskID, WorkerID: workerID, Err: ErrNoEndpoint}
		}
		return n.post(ctx, endpointURL(w.Endpoint, "tasks", taskID, "cancel"), WorkerTaskCancel{
			WorkerID: workerID,
			TaskID:   taskID,
		})
	}
	return &TaskError{TaskID: taskID, WorkerID: workerID, Err: ErrWorkerNotFound}
}

func (n *HTTPNotifier) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return n.bulkhead.Execute(ctx, n.timeout.Wrap(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("notify %s: %s", url, resp.Status)
		}
		return nil
	}))
}

// endpointURL joins path segments onto base, escaping each one so a task
// id cannot add segments or a query.
func endpointURL(base string, parts ...string) string {
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segs, "/")
}
