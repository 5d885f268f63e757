package hive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/hive/eventbus"
)

// memStore is an in-memory Store that can be told to fail.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// staticDirectory serves a fixed set of workers.
type staticDirectory struct {
	mu      sync.Mutex
	workers []WorkerInfo
	err     error
}

func (d *staticDirectory) FindWorkers(_ context.Context, q WorkerQuery) ([]WorkerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []WorkerInfo
	for _, w := range d.workers {
		if q.Matches(w) {
			out = append(out, w)
		}
	}
	return out, nil
}

type assignment struct {
	workerID string
	taskID   string
}

// fakeNotifier records notifications and fails while failing is set.
type fakeNotifier struct {
	mu      sync.Mutex
	assigns []assignment
	cancels []assignment
	failing bool
}

func (n *fakeNotifier) NotifyAssignment(_ context.Context, w WorkerInfo, t Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigns = append(n.assigns, assignment{w.ID, t.ID})
	if n.failing {
		return errors.New("worker unreachable")
	}
	return nil
}

func (n *fakeNotifier) NotifyCancel(_ context.Context, workerID, taskID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancels = append(n.cancels, assignment{workerID, taskID})
	return nil
}

func (n *fakeNotifier) assignments() []assignment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]assignment(nil), n.assigns...)
}

func (n *fakeNotifier) setFailing(v bool) {
	n.mu.Lock()
	n.failing = v
	n.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires an orchestrator to in-memory collaborators. The assignment
// loop is effectively disabled so tests drive cycles with RunCycle.
type harness struct {
	bus      *eventbus.Bus
	store    *memStore
	dir      *staticDirectory
	notifier *fakeNotifier
	clock    *fakeClock
	orch     *Orchestrator
}

func newHarness(t *testing.T, workers ...WorkerInfo) *harness {
	t.Helper()
	return newHarnessWithStore(t, newMemStore(), workers...)
}

func newHarnessWithStore(t *testing.T, store *memStore, workers ...WorkerInfo) *harness {
	t.Helper()
	h := &harness{
		bus:      eventbus.New(),
		store:    store,
		dir:      &staticDirectory{workers: workers},
		notifier: &fakeNotifier{},
		clock:    newFakeClock(),
	}

	orch, err := NewOrchestrator(
		WithBus(h.bus),
		WithDirectory(h.dir),
		WithStore(h.store),
		WithNotifier(h.notifier),
		WithClock(h.clock.Now),
		WithConfig(Config{
			AssignInterval:    time.Hour,
			MaxRetries:        2,
			RetryInitialDelay: time.Millisecond,
			RetryMaxDelay:     5 * time.Millisecond,
		}),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		orch.Shutdown(context.Background())
	})
	h.orch = orch
	return h
}

// count returns how many events were emitted on topic.
func (h *harness) count(topic string) int {
	return len(h.bus.History(topic))
}

func (h *harness) mustSubmit(t *testing.T, spec TaskSpec) Task {
	t.Helper()
	task, err := h.orch.SubmitTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitTask(%+v) error = %v", spec, err)
	}
	return task
}

func (h *harness) mustStatus(t *testing.T, id string, want TaskStatus) Task {
	t.Helper()
	task, ok := h.orch.Task(id)
	if !ok {
		t.Fatalf("Task(%q) not found", id)
	}
	if task.Status != want {
		t.Fatalf("Task(%q).Status = %q, want %q", id, task.Status, want)
	}
	return task
}

func worker(id string, caps ...string) WorkerInfo {
	return WorkerInfo{ID: id, Capabilities: caps, Status: WorkerActive}
}
