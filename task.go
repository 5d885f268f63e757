package hive

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Owned reports whether a worker currently holds the task.
func (s TaskStatus) Owned() bool {
	return s == StatusAssigned || s == StatusRunning
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// ResultKind tags the variant held by a Result.
type ResultKind string

const (
	ResultText   ResultKind = "text"
	ResultNumber ResultKind = "number"
	ResultJSON   ResultKind = "json"
)

// Result is the value a worker reports for a completed task. Exactly one
// of the value fields is meaningful, selected by Kind.
type Result struct {
	Kind   ResultKind      `json:"kind"`
	Text   string          `json:"text,omitempty"`
	Number float64         `json:"number,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

// TextResult returns a text Result.
func TextResult(s string) Result {
	return Result{Kind: ResultText, Text: s}
}

// NumberResult returns a numeric Result.
func NumberResult(n float64) Result {
	return Result{Kind: ResultNumber, Number: n}
}

// JSONResult returns a structured Result holding raw JSON.
func JSONResult(raw json.RawMessage) Result {
	return Result{Kind: ResultJSON, JSON: append(json.RawMessage(nil), raw...)}
}

// String renders the held value.
func (r Result) String() string {
	switch r.Kind {
	case ResultText:
		return r.Text
	case ResultNumber:
		return strconv.FormatFloat(r.Number, 'g', -1, 64)
	case ResultJSON:
		return string(r.JSON)
	default:
		return ""
	}
}

// TaskSpec describes a task to submit.
type TaskSpec struct {
	// ID is optional; a random id is assigned when empty
	ID string `json:"id,omitempty"`

	// Kind is a free-form label workers may use to route the task
	Kind string `json:"kind,omitempty"`

	// Priority orders the pending queue, highest first
	Priority int `json:"priority"`

	// RequiredCapabilities must all be offered by the assigned worker
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// Params are handed to the worker unchanged
	Params map[string]string `json:"params,omitempty"`

	// Timeout fails the task once it is this old while still owned by a
	// worker; zero disables it
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Task is a unit of orchestrated work.
type Task struct {
	ID                   string            `json:"id"`
	Kind                 string            `json:"kind,omitempty"`
	Priority             int               `json:"priority"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Params               map[string]string `json:"params,omitempty"`
	Status               TaskStatus        `json:"status"`
	AssignedTo           string            `json:"assigned_to,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	Attempts             int               `json:"attempts"`
	Result               *Result           `json:"result,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// clone returns a copy sharing no mutable state with t.
func (t *Task) clone() Task {
	c := *t
	if t.RequiredCapabilities != nil {
		c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		r.JSON = append(json.RawMessage(nil), t.Result.JSON...)
		c.Result = &r
	}
	return c
}

// Age returns how long ago the task was created.
func (t Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}
