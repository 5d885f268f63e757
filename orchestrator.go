package hive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/hive/eventbus"
	"github.com/everydev1618/hive/resilience"
)

// Config tunes the orchestrator. Zero fields take the defaults noted.
type Config struct {
	// AssignInterval is how often pending tasks are matched and owned
	// tasks are checked for timeouts (default 5s)
	AssignInterval time.Duration

	// MaxRetries is the number of notification attempts per assignment (default 3)
	MaxRetries int

	// RetryInitialDelay is the wait after the first failed notification (default 1s)
	RetryInitialDelay time.Duration

	// RetryMaxDelay caps the wait between notifications (default 30s)
	RetryMaxDelay time.Duration

	// RetryBackoffFactor grows the wait between notifications (default 2)
	RetryBackoffFactor float64

	// BreakerFailureThreshold opens a worker's breaker (default 3)
	BreakerFailureThreshold int

	// BreakerResetTimeout is how long a worker's breaker stays open (default 60s)
	BreakerResetTimeout time.Duration

	// BreakerHalfOpenTimeout is how long a worker's breaker stays half-open (default 30s)
	BreakerHalfOpenTimeout time.Duration

	// MaxWorkerBreakers bounds the per-worker breaker cache (default 1024)
	MaxWorkerBreakers int
}

func (c Config) withDefaults() Config {
	if c.AssignInterval <= 0 {
		c.AssignInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryBackoffFactor <= 0 {
		c.RetryBackoffFactor = 2
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = 3
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 60 * time.Second
	}
	if c.BreakerHalfOpenTimeout <= 0 {
		c.BreakerHalfOpenTimeout = 30 * time.Second
	}
	if c.MaxWorkerBreakers <= 0 {
		c.MaxWorkerBreakers = defaultMaxWorkerBreakers
	}
	return c
}

// Selector picks a worker for t from candidates whose breakers are not
// open. Returning false leaves the task queued.
type Selector func(t Task, candidates []WorkerInfo) (WorkerInfo, bool)

// FirstCandidate selects the first candidate.
func FirstCandidate(_ Task, candidates []WorkerInfo) (WorkerInfo, bool) {
	if len(candidates) == 0 {
		return WorkerInfo{}, false
	}
	return candidates[0], true
}

// Orchestrator assigns tasks to workers and tracks them to completion.
type Orchestrator struct {
	cfg       Config
	bus       *eventbus.Bus
	registry  *resilience.Registry
	directory WorkerDirectory
	store     Store
	notifier  WorkerNotifier
	selector  Selector
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
	order []string
	queue *taskQueue

	// inflight maps a task being offered to a worker to that worker. The
	// task stays pending, out of the queue, until the worker accepts.
	inflight map[string]string

	breakers *breakerCache
	retry    *resilience.Retry

	// cycleMu keeps assignment cycles from overlapping.
	cycleMu sync.Mutex

	lifeMu  sync.Mutex
	started bool
	subs    []topicSub
	cancel  context.CancelFunc
	done    chan struct{}
}

type topicSub struct {
	topic string
	id    eventbus.SubscriptionID
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBus sets the event bus. Required.
func WithBus(b *eventbus.Bus) OrchestratorOption {
	return func(o *Orchestrator) {
		o.bus = b
	}
}

// WithDirectory sets the worker directory. Required.
func WithDirectory(d WorkerDirectory) OrchestratorOption {
	return func(o *Orchestrator) {
		o.directory = d
	}
}

// WithStore sets task persistence. Required.
func WithStore(s Store) OrchestratorOption {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithRegistry sets the registry that owns the orchestrator's breakers
// and retry helper. Defaults to a new registry on the bus.
func WithRegistry(r *resilience.Registry) OrchestratorOption {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithNotifier sets how workers are told about assignments. Defaults to a
// BusNotifier.
func WithNotifier(n WorkerNotifier) OrchestratorOption {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithSelector replaces FirstCandidate.
func WithSelector(s Selector) OrchestratorOption {
	return func(o *Orchestrator) {
		o.selector = s
	}
}

// WithConfig sets tuning parameters.
func WithConfig(c Config) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cfg = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock overrides the time source used for task ages.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an Orchestrator. A missing bus, directory or
// store is an error.
func NewOrchestrator(opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		tasks:    make(map[string]*Task),
		queue:    newTaskQueue(),
		inflight: make(map[string]string),
		selector: FirstCandidate,
	}
	for _, opt := range opts {
		opt(o)
	}

	var missing []string
	if o.bus == nil {
		missing = append(missing, "bus")
	}
	if o.directory == nil {
		missing = append(missing, "directory")
	}
	if o.store == nil {
		missing = append(missing, "store")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingCollaborator, missing)
	}

	o.cfg = o.cfg.withDefaults()
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.registry == nil {
		o.registry = resilience.NewRegistry(o.bus, resilience.WithLogger(o.logger))
	}
	if o.notifier == nil {
		o.notifier = NewBusNotifier(o.bus)
	}
	if o.selector == nil {
		o.selector = FirstCandidate
	}

	o.breakers = newBreakerCache(o.registry, resilience.BreakerConfig{
		FailureThreshold: o.cfg.BreakerFailureThreshold,
		ResetTimeout:     o.cfg.BreakerResetTimeout,
		HalfOpenTimeout:  o.cfg.BreakerHalfOpenTimeout,
	}, o.cfg.MaxWorkerBreakers)
	o.retry = o.registry.Retrier("task-orchestrator", resilience.RetryConfig{
		MaxAttempts:   o.cfg.MaxRetries,
		InitialDelay:  o.cfg.RetryInitialDelay,
		MaxDelay:      o.cfg.RetryMaxDelay,
		BackoffFactor: o.cfg.RetryBackoffFactor,
	})

	return o, nil
}

// Start recovers persisted tasks, subscribes to worker lifecycle events and
// starts the assignment loop. The loop stops when ctx is done or Shutdown
// is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	total, pending, err := o.recoverTasks(ctx)
	if err != nil {
		return err
	}
	o.bus.Emit(TopicTasksLoaded, TasksLoaded{TaskCount: total, PendingCount: pending})
	if total > 0 {
		o.logger.Info("orchestrator: recovered tasks", "total", total, "pending", pending)
	}

	o.subs = []topicSub{
		{TopicWorkerTaskStarted, o.bus.On(TopicWorkerTaskStarted, o.handleStarted)},
		{TopicWorkerTaskCompleted, o.bus.On(TopicWorkerTaskCompleted, o.handleCompleted)},
		{TopicWorkerTaskFailed, o.bus.On(TopicWorkerTaskFailed, o.handleFailed)},
		{TopicWorkerExpired, o.bus.On(TopicWorkerExpired, o.handleExpired)},
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.started = true

	go o.loop(loopCtx)
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	t := time.NewTicker(o.cfg.AssignInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle runs one assignment pass followed by one timeout sweep. The
// loop started by Start calls it every AssignInterval; cycles never overlap.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.assignPending(ctx)
	o.sweepTimeouts(ctx)
}

// Shutdown stops the loop, unsubscribes from the bus and disposes the
// per-worker breakers and the retry helper.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.started {
		o.cancel()
		select {
		case <-o.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, s := range o.subs {
			o.bus.Off(s.topic, s.id)
		}
		o.subs = nil
		o.started = false
	}

	o.breakers.disposeAll()
	o.retry.Dispose()
	return nil
}

// SubmitTask persists a new pending task and queues it. The orchestrator
// must be started so recovered tasks are never shadowed.
func (o *Orchestrator) SubmitTask(ctx context.Context, spec TaskSpec) (Task, error) {
	if spec.Timeout < 0 {
		return Task{}, fmt.Errorf("%w: negative timeout", ErrInvalidTask)
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()[:8]
	}

	o.lifeMu.Lock()
	started := o.started
	o.lifeMu.Unlock()
	if !started {
		return Task{}, ErrNotStarted
	}

	now := o.now()
	proto := Task{
		ID:                   spec.ID,
		Kind:                 spec.Kind,
		Priority:             spec.Priority,
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		Params:               spec.Params,
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		Timeout:              spec.Timeout,
	}
	stored := proto.clone()
	t := &stored

	o.mu.Lock()
	if _, ok := o.tasks[t.ID]; ok {
		o.mu.Unlock()
		return Task{}, &TaskError{TaskID: t.ID, Err: ErrTaskExists}
	}
	if err := o.persistLocked(ctx, t); err != nil {
		o.mu.Unlock()
		return Task{}, err
	}
	o.tasks[t.ID] = t
	o.order = append(o.order, t.ID)
	if err := o.persistRegistryLocked(ctx); err != nil {
		o.logger.Error("orchestrator: persist registry failed", "task", t.ID, "error", err)
	}
	o.queue.push(t.ID, t.Priority)
	snap := t.clone()
	o.mu.Unlock()

	o.bus.Emit(TopicTaskSubmitted, TaskSubmitted{Task: snap})
	o.logger.Debug("orchestrator: task submitted", "task", snap.ID, "priority", snap.Priority)
	return snap, nil
}

// CancelTask cancels a non-terminal task. It returns false, nil when the
// task had already finished. The owning worker, if any, is asked to stop;
// a failure to reach it is logged.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return false, &TaskError{TaskID: id, Err: ErrTaskNotFound}
	}
	if t.Status.Terminal() {
		o.mu.Unlock()
		return false, nil
	}

	prev := t.Status
	worker := t.AssignedTo
	if w, ok := o.inflight[id]; ok {
		worker = w
	}
	t.Status = StatusCanceled
	t.UpdatedAt = o.now()
	o.queue.remove(id)
	o.persistOrLogLocked(ctx, t)
	o.mu.Unlock()

	o.bus.Emit(TopicTaskCanceled, TaskCanceled{TaskID: id, PreviousStatus: prev, WorkerID: worker})

	if worker != "" {
		o.bus.Emit(TopicTaskCancelRequest, TaskCancelRequest{TaskID: id, WorkerID: worker})
		if err := o.notifier.NotifyCancel(ctx, worker, id); err != nil {
			o.logger.Warn("orchestrator: cancel notification failed", "task", id, "worker", worker, "error", err)
		}
	}
	return true, nil
}

// assignPending tries to place every queued task, in queue order.
func (o *Orchestrator) assignPending(ctx context.Context) {
	o.mu.Lock()
	ids := o.queue.ids()
	o.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		o.mu.Lock()
		t, ok := o.tasks[id]
		if !ok || t.Status != StatusPending || o.inflight[id] != "" {
			o.mu.Unlock()
			continue
		}
		snap := t.clone()
		o.mu.Unlock()

		workers, err := o.directory.FindWorkers(ctx, WorkerQuery{
			Capabilities: snap.RequiredCapabilities,
			Status:       WorkerActive,
		})
		if err != nil {
			o.logger.Warn("orchestrator: worker lookup failed", "task", id, "error", err)
			continue
		}

		candidates := make([]WorkerInfo, 0, len(workers))
		for _, w := range workers {
			if o.breakers.get(w.ID).State().Status != resilience.StateOpen {
				candidates = append(candidates, w)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		w, ok := o.selector(snap, candidates)
		if !ok {
			continue
		}
		o.assign(ctx, id, w)
	}
}

// assign reserves the task for w and notifies the worker through its
// breaker with retries. The task is persisted as assigned only after the
// worker accepted; on failure it goes back to the queue.
func (o *Orchestrator) assign(ctx context.Context, id string, w WorkerInfo) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok || t.Status != StatusPending || o.inflight[id] != "" {
		o.mu.Unlock()
		return
	}
	o.inflight[id] = w.ID
	o.queue.remove(id)
	t.Attempts++
	offer := t.clone()
	offer.Status = StatusAssigned
	offer.AssignedTo = w.ID
	o.mu.Unlock()

	cb := o.breakers.get(w.ID)
	err := o.retry.Execute(ctx, cb.Wrap(func(ctx context.Context) error {
		return o.notifier.NotifyAssignment(ctx, w, offer)
	}))

	o.mu.Lock()
	reserved := o.inflight[id] == w.ID
	delete(o.inflight, id)
	if err == nil && !reserved {
		err = fmt.Errorf("worker %s expired during assignment", w.ID)
	}
	if err != nil {
		requeued := false
		if t.Status == StatusPending {
			t.UpdatedAt = o.now()
			o.persistOrLogLocked(ctx, t)
			requeued = o.queue.push(id, t.Priority)
		}
		o.mu.Unlock()
		o.logger.Warn("orchestrator: assignment failed",
			"task", id, "worker", w.ID, "requeued", requeued, "error", err)
		return
	}
	if t.Status == StatusPending {
		t.Status = StatusAssigned
		t.AssignedTo = w.ID
		t.UpdatedAt = o.now()
		o.persistOrLogLocked(ctx, t)
	}
	// The worker may already have reported progress; anything but a
	// cancellation or a reassignment still counts as accepted.
	accepted := t.AssignedTo == w.ID && t.Status != StatusCanceled
	attempt := t.Attempts
	o.mu.Unlock()

	if accepted {
		o.bus.Emit(TopicTaskAssigned, TaskAssigned{TaskID: id, WorkerID: w.ID, Attempt: attempt})
		o.logger.Info("orchestrator: task assigned", "task", id, "worker", w.ID)
	}
}

// sweepTimeouts fails owned tasks older than their timeout.
func (o *Orchestrator) sweepTimeouts(ctx context.Context) {
	now := o.now()
	var timedOut []TaskTimedOut

	o.mu.Lock()
	for _, id := range o.order {
		t := o.tasks[id]
		if !t.Status.Owned() || t.Timeout <= 0 {
			continue
		}
		if t.Age(now) <= t.Timeout {
			continue
		}
		t.Status = StatusFailed
		t.Error = fmt.Sprintf("task timed out after %v", t.Timeout)
		t.UpdatedAt = now
		o.persistOrLogLocked(ctx, t)
		timedOut = append(timedOut, TaskTimedOut{TaskID: t.ID, WorkerID: t.AssignedTo, Timeout: t.Timeout})
	}
	o.mu.Unlock()

	for _, ev := range timedOut {
		o.logger.Warn("orchestrator: task timed out", "task", ev.TaskID, "worker", ev.WorkerID, "timeout", ev.Timeout)
		o.bus.Emit(TopicTaskTimeout, ev)
	}
}

func (o *Orchestrator) handleStarted(ev eventbus.Event) {
	p, ok := ev.Payload.(WorkerTaskStarted)
	if !ok {
		return
	}

	o.mu.Lock()
	t, ok := o.tasks[p.TaskID]
	if !ok || !((t.Status == StatusAssigned && t.AssignedTo == p.WorkerID) || o.offeredLocked(t, p.WorkerID)) {
		o.mu.Unlock()
		o.logger.Debug("orchestrator: ignoring stale start report", "task", p.TaskID, "worker", p.WorkerID)
		return
	}
	t.AssignedTo = p.WorkerID
	t.Status = StatusRunning
	t.UpdatedAt = o.now()
	o.persistOrLogLocked(context.Background(), t)
	o.mu.Unlock()

	o.bus.Emit(TopicTaskRunning, TaskRunning{TaskID: p.TaskID, WorkerID: p.WorkerID})
}

func (o *Orchestrator) handleCompleted(ev eventbus.Event) {
	p, ok := ev.Payload.(WorkerTaskCompleted)
	if !ok {
		return
	}

	result := p.Result
	if !o.finish(p.TaskID, p.WorkerID, StatusCompleted, func(t *Task) { t.Result = &result }) {
		return
	}
	o.bus.Emit(TopicTaskCompleted, TaskCompleted{TaskID: p.TaskID, WorkerID: p.WorkerID, Result: p.Result})
}

func (o *Orchestrator) handleFailed(ev eventbus.Event) {
	p, ok := ev.Payload.(WorkerTaskFailed)
	if !ok {
		return
	}

	if !o.finish(p.TaskID, p.WorkerID, StatusFailed, func(t *Task) { t.Error = p.Error }) {
		return
	}
	o.bus.Emit(TopicTaskFailed, TaskFailed{TaskID: p.TaskID, WorkerID: p.WorkerID, Error: p.Error})
}

// finish moves an owned task to a terminal status. Reports for tasks that
// are no longer owned, or owned by a different worker, are stale.
func (o *Orchestrator) finish(taskID, workerID string, status TaskStatus, apply func(*Task)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		o.logger.Debug("orchestrator: ignoring stale report", "task", taskID, "worker", workerID, "status", status)
		return false
	}
	owned := t.Status.Owned() && (workerID == "" || t.AssignedTo == workerID)
	if !owned && !o.offeredLocked(t, workerID) {
		o.logger.Debug("orchestrator: ignoring stale report", "task", taskID, "worker", workerID, "status", status)
		return false
	}
	if !owned {
		t.AssignedTo = o.inflight[taskID]
	}
	t.Status = status
	t.UpdatedAt = o.now()
	apply(t)
	o.persistOrLogLocked(context.Background(), t)
	return true
}

// offeredLocked reports whether t is pending while being offered to
// workerID. An empty workerID matches any offer.
func (o *Orchestrator) offeredLocked(t *Task, workerID string) bool {
	w, ok := o.inflight[t.ID]
	return ok && t.Status == StatusPending && (workerID == "" || w == workerID)
}

func (o *Orchestrator) handleExpired(ev eventbus.Event) {
	p, ok := ev.Payload.(WorkerExpired)
	if !ok {
		return
	}

	var reassigned []TaskReassigned
	o.mu.Lock()
	// An offer still in flight to the expired worker is withdrawn; assign
	// requeues the task when the notification returns.
	for id, w := range o.inflight {
		if w == p.WorkerID {
			delete(o.inflight, id)
		}
	}
	for _, id := range o.order {
		t := o.tasks[id]
		if t.AssignedTo != p.WorkerID || !t.Status.Owned() {
			continue
		}
		t.Status = StatusPending
		t.AssignedTo = ""
		t.UpdatedAt = o.now()
		o.persistOrLogLocked(context.Background(), t)
		o.queue.push(id, t.Priority)
		reassigned = append(reassigned, TaskReassigned{TaskID: id, PreviousWorkerID: p.WorkerID})
	}
	o.mu.Unlock()

	o.breakers.remove(p.WorkerID)

	for _, r := range reassigned {
		o.logger.Info("orchestrator: task requeued after worker expired", "task", r.TaskID, "worker", p.WorkerID)
		o.bus.Emit(TopicTaskReassigned, r)
	}
}

// Task returns a copy of the task with id.
func (o *Orchestrator) Task(id string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of every task in submission order.
func (o *Orchestrator) Tasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Task, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.tasks[id].clone())
	}
	return out
}

// TasksByStatus returns copies of the tasks in status, in submission order.
func (o *Orchestrator) TasksByStatus(status TaskStatus) []Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Task
	for _, id := range o.order {
		if t := o.tasks[id]; t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}

// Queue returns the pending task ids in assignment order.
func (o *Orchestrator) Queue() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.ids()
}

// Stats summarizes the orchestrator.
type Stats struct {
	Total          int                `json:"total"`
	Queued         int                `json:"queued"`
	ByStatus       map[TaskStatus]int `json:"by_status"`
	WorkerBreakers int                `json:"worker_breakers"`
}

// Stats counts tasks by status.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := Stats{
		Total:    len(o.tasks),
		Queued:   o.queue.len(),
		ByStatus: make(map[TaskStatus]int),
	}
	for _, t := range o.tasks {
		s.ByStatus[t.Status]++
	}
	o.mu.Unlock()

	s.WorkerBreakers = o.breakers.len()
	return s
}

// WorkerBreakers returns the state of every cached per-worker breaker,
// keyed by worker id.
func (o *Orchestrator) WorkerBreakers() map[string]resilience.BreakerState {
	return o.breakers.states()
}

// QueueLen returns the number of pending tasks waiting for a worker.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.len()
}
