package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/config"
	"github.com/everydev1618/hive/eventbus"
)

const testConfig = `
server:
  addr: "127.0.0.1:0"
  callback_dir: %[1]s/callbacks
store:
  driver: sqlite
  path: %[1]s/hive.db
orchestrator:
  assign_interval: 1h
  max_retries: 1
  retry_initial_delay: 1ms
  retry_max_delay: 2ms
admission:
  requests_per_period: %[2]d
  period: 1h
  queue_size: 0
%[3]s
`

func loadConfig(t *testing.T, dir string, admit int, extra string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "hive.yaml")
	body := fmt.Sprintf(testConfig, dir, admit, extra)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func openServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return openServer(t, loadConfig(t, t.TempDir(), 100, ""))
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// assignments records worker:task:assign events.
type assignments struct {
	mu  sync.Mutex
	got []hive.WorkerTaskAssign
}

func recordAssignments(bus *eventbus.Bus) *assignments {
	a := &assignments{}
	bus.On(hive.TopicWorkerTaskAssign, func(ev eventbus.Event) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.got = append(a.got, ev.Payload.(hive.WorkerTaskAssign))
	})
	return a
}

func (a *assignments) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	assigned := recordAssignments(s.Bus())

	rec := call(t, h, "POST", "/api/workers", RegisterWorkerRequest{ID: "w1", Capabilities: []string{"gpu"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body)
	}

	rec = call(t, h, "POST", "/api/tasks", SubmitTaskRequest{
		ID:                   "t1",
		Priority:             5,
		RequiredCapabilities: []string{"gpu"},
		Timeout:              "1m",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	task := decode[hive.Task](t, rec)
	if task.Status != hive.StatusPending || task.Timeout != time.Minute {
		t.Errorf("submitted task = %+v", task)
	}

	s.Orchestrator().RunCycle(context.Background())
	if assigned.len() != 1 {
		t.Fatalf("assignments = %d, want 1", assigned.len())
	}

	for _, report := range []hive.WorkerReport{
		{Type: hive.ReportStarted, TaskID: "t1", WorkerID: "w1"},
		{Type: hive.ReportCompleted, TaskID: "t1", WorkerID: "w1", Result: &hive.Result{Kind: hive.ResultText, Text: "done"}},
	} {
		rec = call(t, h, "POST", "/api/workers/events", report)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("report %s status = %d, body %s", report.Type, rec.Code, rec.Body)
		}
	}

	rec = call(t, h, "GET", "/api/tasks/t1", nil)
	task = decode[hive.Task](t, rec)
	if task.Status != hive.StatusCompleted || task.Result == nil || task.Result.Text != "done" {
		t.Errorf("task = %+v, want completed with result", task)
	}

	rec = call(t, h, "GET", "/api/tasks?status=completed", nil)
	if tasks := decode[[]hive.Task](t, rec); len(tasks) != 1 {
		t.Errorf("completed tasks = %d, want 1", len(tasks))
	}
}

func TestSubmitErrors(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	if rec := call(t, h, "POST", "/api/tasks", SubmitTaskRequest{ID: "dup"}); rec.Code != http.StatusCreated {
		t.Fatalf("first submit status = %d", rec.Code)
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"duplicate", SubmitTaskRequest{ID: "dup"}, http.StatusConflict},
		{"bad timeout", SubmitTaskRequest{Timeout: "soon"}, http.StatusBadRequest},
		{"negative timeout", SubmitTaskRequest{Timeout: "-1s"}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h, "POST", "/api/tasks", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestSubmitIsRateLimited(t *testing.T) {
	s := openServer(t, loadConfig(t, t.TempDir(), 2, ""))
	h := s.Handler()

	var codes []int
	for i := 0; i < 3; i++ {
		rec := call(t, h, "POST", "/api/tasks", SubmitTaskRequest{ID: fmt.Sprintf("t%d", i)})
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("codes = %v, want %v", codes, want)
			break
		}
	}
	if _, ok := s.Orchestrator().Task("t2"); ok {
		t.Error("rejected submission was tracked")
	}
}

func TestCancelOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	call(t, h, "POST", "/api/tasks", SubmitTaskRequest{ID: "t1"})

	tests := []struct {
		name     string
		id       string
		code     int
		canceled bool
	}{
		{"pending", "t1", http.StatusOK, true},
		{"already canceled", "t1", http.StatusOK, false},
		{"unknown", "nope", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h, "POST", "/api/tasks/"+tt.id+"/cancel", nil)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if rec.Code == http.StatusOK {
				if got := decode[CancelResponse](t, rec); got.Canceled != tt.canceled {
					t.Errorf("canceled = %v, want %v", got.Canceled, tt.canceled)
				}
			}
		})
	}
}

func TestWorkerEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	call(t, h, "POST", "/api/workers", RegisterWorkerRequest{ID: "w1", Capabilities: []string{"a"}})
	call(t, h, "POST", "/api/workers", RegisterWorkerRequest{ID: "w2", Capabilities: []string{"a", "b"}})

	rec := call(t, h, "GET", "/api/workers?capability=b", nil)
	if workers := decode[[]hive.WorkerInfo](t, rec); len(workers) != 1 || workers[0].ID != "w2" {
		t.Errorf("workers with b = %+v, want [w2]", workers)
	}

	busy := hive.WorkerBusy
	rec = call(t, h, "PATCH", "/api/workers/w1", UpdateWorkerRequest{Status: &busy})
	if got := decode[hive.WorkerInfo](t, rec); got.Status != hive.WorkerBusy || len(got.Capabilities) != 1 {
		t.Errorf("updated worker = %+v", got)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"register without id", "POST", "/api/workers", RegisterWorkerRequest{}, http.StatusBadRequest},
		{"get", "GET", "/api/workers/w1", nil, http.StatusOK},
		{"get unknown", "GET", "/api/workers/nope", nil, http.StatusNotFound},
		{"update unknown", "PATCH", "/api/workers/nope", UpdateWorkerRequest{}, http.StatusNotFound},
		{"heartbeat", "POST", "/api/workers/w1/heartbeat", nil, http.StatusNoContent},
		{"heartbeat unknown", "POST", "/api/workers/nope/heartbeat", nil, http.StatusNotFound},
		{"deregister", "DELETE", "/api/workers/w2", nil, http.StatusNoContent},
		{"deregister again", "DELETE", "/api/workers/w2", nil, http.StatusNotFound},
		{"bad report", "POST", "/api/workers/events", hive.WorkerReport{Type: "paused", TaskID: "t1"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}
