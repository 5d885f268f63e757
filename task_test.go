package hive

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStatus(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
		owned    bool
	}{
		{StatusPending, false, false},
		{StatusAssigned, false, true},
		{StatusRunning, false, true},
		{StatusCompleted, true, false},
		{StatusFailed, true, false},
		{StatusCanceled, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.Owned(); got != tt.owned {
				t.Errorf("Owned() = %v, want %v", got, tt.owned)
			}
			parsed, err := ParseTaskStatus(string(tt.status))
			if err != nil || parsed != tt.status {
				t.Errorf("ParseTaskStatus(%q) = %q, %v", tt.status, parsed, err)
			}
		})
	}

	if _, err := ParseTaskStatus("lost"); err == nil {
		t.Error("ParseTaskStatus(lost) should fail")
	}
}

func TestResult(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		kind ResultKind
		want string
	}{
		{"text", TextResult("hello"), ResultText, "hello"},
		{"number", NumberResult(42), ResultNumber, "42"},
		{"fraction", NumberResult(0.5), ResultNumber, "0.5"},
		{"json", JSONResult(json.RawMessage(`{"a":1}`)), ResultJSON, `{"a":1}`},
		{"empty", Result{}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.r.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", tt.r.Kind, tt.kind)
			}
			if got := tt.r.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:                   "t1",
		RequiredCapabilities: []string{"gpu"},
		Params:               map[string]string{"k": "v"},
		Result:               &Result{Kind: ResultJSON, JSON: json.RawMessage(`[1]`)},
	}

	c := orig.clone()
	c.RequiredCapabilities[0] = "cpu"
	c.Params["k"] = "x"
	c.Result.JSON[1] = '2'

	if orig.RequiredCapabilities[0] != "gpu" || orig.Params["k"] != "v" || string(orig.Result.JSON) != "[1]" {
		t.Errorf("clone shares state with original: %+v", orig)
	}
}

func TestTaskAge(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task := Task{CreatedAt: created}
	if got := task.Age(created.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Age() = %v, want 90s", got)
	}
}

func TestWorkerQueryMatches(t *testing.T) {
	w := WorkerInfo{ID: "w1", Capabilities: []string{"a", "b"}, Status: WorkerActive}

	tests := []struct {
		name string
		q    WorkerQuery
		want bool
	}{
		{"empty query", WorkerQuery{}, true},
		{"subset", WorkerQuery{Capabilities: []string{"b"}}, true},
		{"all", WorkerQuery{Capabilities: []string{"a", "b"}}, true},
		{"missing one", WorkerQuery{Capabilities: []string{"a", "c"}}, false},
		{"status match", WorkerQuery{Status: WorkerActive}, true},
		{"status mismatch", WorkerQuery{Status: WorkerBusy}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(w); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
