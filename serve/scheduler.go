package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/store"
)

// ErrScheduleNotFound is returned for operations on an unknown job name.
var ErrScheduleNotFound = errors.New("schedule not found")

// Job is a recurring task submission.
type Job struct {
	Name    string        `json:"name"`
	Cron    string        `json:"cron"`
	Spec    hive.TaskSpec `json:"spec"`
	Enabled bool          `json:"enabled"`
}

// SubmitFunc submits a task; Orchestrator.SubmitTask satisfies it.
type SubmitFunc func(ctx context.Context, spec hive.TaskSpec) (hive.Task, error)

// Scheduler runs cron jobs that submit tasks.
type Scheduler struct {
	c       *cron.Cron
	submit  SubmitFunc
	persist func(job Job) error
	remove  func(name string) error
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	entries map[string]cron.EntryID // job name → cron entry ID
}

// NewScheduler creates a Scheduler. The persist and remove callbacks are
// called after successfully adding/removing a job so it can be saved to
// permanent storage. Either may be nil if persistence is not needed.
func NewScheduler(
	submit SubmitFunc,
	persist func(job Job) error,
	remove func(name string) error,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		c:       cron.New(),
		submit:  submit,
		persist: persist,
		remove:  remove,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Start()
	s.logger.Info("scheduler started")
	<-ctx.Done()
	<-s.c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddJob adds a job to the cron runner and persists it.
// If a job with the same name already exists it is replaced.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("schedule without name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entryID cron.EntryID
	if job.Enabled {
		// Parse before touching the existing entry so a bad expression
		// leaves the old job running.
		id, err := s.c.AddFunc(job.Cron, s.makeFunc(job))
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", job.Cron, err)
		}
		entryID = id
	} else if _, err := cron.ParseStandard(job.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Cron, err)
	}

	if id, ok := s.entries[job.Name]; ok {
		s.c.Remove(id)
		delete(s.entries, job.Name)
	}
	s.jobs = removeJobByName(s.jobs, job.Name)

	if job.Enabled {
		s.entries[job.Name] = entryID
	}
	s.jobs = append(s.jobs, job)

	if s.persist != nil {
		if err := s.persist(job); err != nil {
			s.logger.Warn("scheduler: persist job failed", "name", job.Name, "error", err)
		}
	}

	s.logger.Info("scheduler: job added", "name", job.Name, "cron", job.Cron, "enabled", job.Enabled)
	return nil
}

// RemoveJob removes a job from the cron runner and calls the remove callback.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findLocked(name); !ok {
		return fmt.Errorf("%s: %w", name, ErrScheduleNotFound)
	}
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	s.jobs = removeJobByName(s.jobs, name)

	if s.remove != nil {
		if err := s.remove(name); err != nil {
			s.logger.Warn("scheduler: remove job from store failed", "name", name, "error", err)
		}
	}

	s.logger.Info("scheduler: job removed", "name", name)
	return nil
}

// Trigger submits a job's task immediately, whether or not it is enabled.
func (s *Scheduler) Trigger(ctx context.Context, name string) (hive.Task, error) {
	s.mu.Lock()
	job, ok := s.findLocked(name)
	s.mu.Unlock()
	if !ok {
		return hive.Task{}, fmt.Errorf("%s: %w", name, ErrScheduleNotFound)
	}
	return s.fire(ctx, job)
}

// ListJobs returns a snapshot of all current jobs sorted by name.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Next returns the next fire time of an enabled job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(id).Next, true
}

func (s *Scheduler) findLocked(name string) (Job, bool) {
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// makeFunc returns the cron callback for a job.
func (s *Scheduler) makeFunc(job Job) func() {
	return func() {
		if _, err := s.fire(context.Background(), job); err != nil {
			s.logger.Warn("scheduler: submit failed", "name", job.Name, "error", err)
		}
	}
}

// fire submits one run of job. Each run gets its own task id.
func (s *Scheduler) fire(ctx context.Context, job Job) (hive.Task, error) {
	spec := job.Spec
	spec.ID = job.Name + "-" + uuid.New().String()[:8]
	s.logger.Info("scheduler: firing job", "name", job.Name, "task", spec.ID)
	return s.submit(ctx, spec)
}

func removeJobByName(jobs []Job, name string) []Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.Name != name {
			out = append(out, j)
		}
	}
	return out
}

// jobToRecord converts a job for the scheduled_jobs table.
func jobToRecord(job Job) (store.ScheduledJob, error) {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return store.ScheduledJob{}, err
	}
	return store.ScheduledJob{
		Name:    job.Name,
		Cron:    job.Cron,
		Spec:    spec,
		Enabled: job.Enabled,
	}, nil
}

// jobFromRecord is the inverse of jobToRecord.
func jobFromRecord(rec store.ScheduledJob) (Job, error) {
	job := Job{Name: rec.Name, Cron: rec.Cron, Enabled: rec.Enabled}
	if len(rec.Spec) > 0 {
		if err := json.Unmarshal(rec.Spec, &job.Spec); err != nil {
			return Job{}, fmt.Errorf("schedule %s: %w", rec.Name, err)
		}
	}
	return job, nil
}
