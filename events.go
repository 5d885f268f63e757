package hive

import "time"

// Worker lifecycle topics. Workers, or the transports relaying for them,
// publish these; the orchestrator consumes them.
const (
	TopicWorkerTaskStarted   = "worker:task:started"
	TopicWorkerTaskCompleted = "worker:task:completed"
	TopicWorkerTaskFailed    = "worker:task:failed"
	TopicWorkerTaskAssign    = "worker:task:assign"
	TopicWorkerTaskCancel    = "worker:task:cancel"
)

// Directory topics.
const (
	TopicWorkerRegistered   = "discovery:worker:registered"
	TopicWorkerUpdated      = "discovery:worker:updated"
	TopicWorkerDeregistered = "discovery:worker:deregistered"
	TopicWorkerExpired      = "discovery:worker:expired"
	TopicWorkerHeartbeat    = "discovery:heartbeat"
)

// Orchestrator topics.
const (
	TopicTaskSubmitted     = "orchestrator:task:submitted"
	TopicTaskCanceled      = "orchestrator:task:canceled"
	TopicTaskCancelRequest = "orchestrator:task:cancel_request"
	TopicTaskAssigned      = "orchestrator:task:assigned"
	TopicTaskRunning       = "orchestrator:task:running"
	TopicTaskCompleted     = "orchestrator:task:completed"
	TopicTaskFailed        = "orchestrator:task:failed"
	TopicTaskTimeout       = "orchestrator:task:timeout"
	TopicTaskReassigned    = "orchestrator:task:reassigned"
	TopicTasksLoaded       = "orchestrator:loaded"
)

// WorkerTaskStarted reports that a worker began a task.
type WorkerTaskStarted struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func (WorkerTaskStarted) Kind() string { return TopicWorkerTaskStarted }

// WorkerTaskCompleted reports a task's result.
type WorkerTaskCompleted struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Result   Result `json:"result"`
}

func (WorkerTaskCompleted) Kind() string { return TopicWorkerTaskCompleted }

// WorkerTaskFailed reports a task the worker could not finish.
type WorkerTaskFailed struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (WorkerTaskFailed) Kind() string { return TopicWorkerTaskFailed }

// WorkerTaskAssign is how BusNotifier hands a task to an in-process worker.
type WorkerTaskAssign struct {
	WorkerID string `json:"worker_id"`
	Task     Task   `json:"task"`
}

func (WorkerTaskAssign) Kind() string { return TopicWorkerTaskAssign }

// WorkerTaskCancel asks an in-process worker to abandon a task.
type WorkerTaskCancel struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
}

func (WorkerTaskCancel) Kind() string { return TopicWorkerTaskCancel }

// WorkerRegistered is published when a worker joins the directory.
type WorkerRegistered struct {
	Worker WorkerInfo `json:"worker"`
}

func (WorkerRegistered) Kind() string { return TopicWorkerRegistered }

// WorkerUpdated is published when a worker's details change.
type WorkerUpdated struct {
	Worker WorkerInfo `json:"worker"`
}

func (WorkerUpdated) Kind() string { return TopicWorkerUpdated }

// WorkerHeartbeat lets an in-process worker keep itself registered.
type WorkerHeartbeat struct {
	WorkerID string `json:"worker_id"`
}

func (WorkerHeartbeat) Kind() string { return TopicWorkerHeartbeat }

// WorkerDeregistered is published when a worker leaves voluntarily.
type WorkerDeregistered struct {
	WorkerID string `json:"worker_id"`
}

func (WorkerDeregistered) Kind() string { return TopicWorkerDeregistered }

// WorkerExpired is published when a worker's heartbeat lapses.
type WorkerExpired struct {
	WorkerID string    `json:"worker_id"`
	LastSeen time.Time `json:"last_seen"`
}

func (WorkerExpired) Kind() string { return TopicWorkerExpired }

// TaskSubmitted carries the newly accepted task.
type TaskSubmitted struct {
	Task Task `json:"task"`
}

func (TaskSubmitted) Kind() string { return TopicTaskSubmitted }

// TaskCanceled is published when a task is canceled.
type TaskCanceled struct {
	TaskID         string     `json:"task_id"`
	PreviousStatus TaskStatus `json:"previous_status"`
	WorkerID       string     `json:"worker_id,omitempty"`
}

func (TaskCanceled) Kind() string { return TopicTaskCanceled }

// TaskCancelRequest asks the owning worker to stop a canceled task.
type TaskCancelRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func (TaskCancelRequest) Kind() string { return TopicTaskCancelRequest }

// TaskAssigned is published once a worker accepted a task.
type TaskAssigned struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
}

func (TaskAssigned) Kind() string { return TopicTaskAssigned }

// TaskRunning is published when the assignee reports it started.
type TaskRunning struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func (TaskRunning) Kind() string { return TopicTaskRunning }

// TaskCompleted is published when a task finishes successfully.
type TaskCompleted struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Result   Result `json:"result"`
}

func (TaskCompleted) Kind() string { return TopicTaskCompleted }

// TaskFailed is published when the worker reports failure.
type TaskFailed struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (TaskFailed) Kind() string { return TopicTaskFailed }

// TaskTimedOut is published when an owned task outlives its timeout.
type TaskTimedOut struct {
	TaskID   string        `json:"task_id"`
	WorkerID string        `json:"worker_id"`
	Timeout  time.Duration `json:"timeout"`
}

func (TaskTimedOut) Kind() string { return TopicTaskTimeout }

// TaskReassigned is published when a task returns to the queue because its
// worker expired.
type TaskReassigned struct {
	TaskID           string `json:"task_id"`
	PreviousWorkerID string `json:"previous_worker_id"`
}

func (TaskReassigned) Kind() string { return TopicTaskReassigned }

// TasksLoaded is published after startup recovery.
type TasksLoaded struct {
	TaskCount    int `json:"task_count"`
	PendingCount int `json:"pending_count"`
}

func (TasksLoaded) Kind() string { return TopicTasksLoaded }
