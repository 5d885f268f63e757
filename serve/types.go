package serve

import (
	"fmt"
	"time"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/resilience"
)

// --- Streaming ---

// BrokerEvent is a bus event as sent over SSE. Type is the bus topic.
type BrokerEvent struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// --- API Request Types ---

// SubmitTaskRequest is the body of POST /api/tasks. Timeout is a Go
// duration string such as "90s".
type SubmitTaskRequest struct {
	ID                   string            `json:"id,omitempty"`
	Kind                 string            `json:"kind,omitempty"`
	Priority             int               `json:"priority"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Params               map[string]string `json:"params,omitempty"`
	Timeout              string            `json:"timeout,omitempty"`
}

// Spec validates the request and converts it to a submission.
func (r SubmitTaskRequest) Spec() (hive.TaskSpec, error) {
	spec := hive.TaskSpec{
		ID:                   r.ID,
		Kind:                 r.Kind,
		Priority:             r.Priority,
		RequiredCapabilities: r.RequiredCapabilities,
		Params:               r.Params,
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return hive.TaskSpec{}, fmt.Errorf("%w: timeout: %v", hive.ErrInvalidTask, err)
		}
		spec.Timeout = d
	}
	return spec, nil
}

// SubmitTaskRequestFrom is the inverse of Spec, used by Client.
func SubmitTaskRequestFrom(spec hive.TaskSpec) SubmitTaskRequest {
	r := SubmitTaskRequest{
		ID:                   spec.ID,
		Kind:                 spec.Kind,
		Priority:             spec.Priority,
		RequiredCapabilities: spec.RequiredCapabilities,
		Params:               spec.Params,
	}
	if spec.Timeout > 0 {
		r.Timeout = spec.Timeout.String()
	}
	return r
}

// RegisterWorkerRequest is the body of POST /api/workers.
type RegisterWorkerRequest struct {
	ID           string            `json:"id"`
	Capabilities []string          `json:"capabilities"`
	Status       hive.WorkerStatus `json:"status,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
}

// UpdateWorkerRequest is the body of PATCH /api/workers/{id}. Omitted
// fields are left unchanged.
type UpdateWorkerRequest struct {
	Capabilities []string           `json:"capabilities,omitempty"`
	Status       *hive.WorkerStatus `json:"status,omitempty"`
	Endpoint     *string            `json:"endpoint,omitempty"`
}

// ScheduleRequest is the body of POST /api/schedules.
type ScheduleRequest struct {
	Name    string            `json:"name"`
	Cron    string            `json:"cron"`
	Task    SubmitTaskRequest `json:"task"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// --- API Response Types ---

// CancelResponse reports whether a cancel changed the task.
type CancelResponse struct {
	TaskID   string `json:"task_id"`
	Canceled bool   `json:"canceled"`
}

// StatsResponse contains aggregate state.
type StatsResponse struct {
	Tasks         hive.Stats `json:"tasks"`
	Workers       int        `json:"workers"`
	Subscribers   int        `json:"subscribers"`
	Schedules     int        `json:"schedules"`
	Uptime        string     `json:"uptime"`
	JournalActive bool       `json:"journal_active"`
}

// ResilienceResponse is the state of every resilience primitive plus the
// per-worker breakers kept by the orchestrator.
type ResilienceResponse struct {
	resilience.Snapshot
	WorkerBreakers map[string]resilience.BreakerState `json:"worker_breakers"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
