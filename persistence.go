package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Keys used in the Store.
const (
	taskKeyPrefix = "task:"
	registryKey   = "task:registry"
)

// Store is the key/value persistence the orchestrator writes every task
// mutation to.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error

	// Get returns nil, nil when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

// persistLocked writes t. Caller holds o.mu.
func (o *Orchestrator) persistLocked(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := o.store.Set(ctx, taskKey(t.ID), data); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

// persistOrLogLocked writes t and logs a failure; a task mutation is never
// rolled back because the store is unavailable.
func (o *Orchestrator) persistOrLogLocked(ctx context.Context, t *Task) {
	if err := o.persistLocked(ctx, t); err != nil {
		o.logger.Error("orchestrator: persist failed", "task", t.ID, "status", t.Status, "error", err)
	}
}

// persistRegistryLocked writes the list of known task ids.
func (o *Orchestrator) persistRegistryLocked(ctx context.Context) error {
	data, err := json.Marshal(o.order)
	if err != nil {
		return fmt.Errorf("encode task registry: %w", err)
	}
	if err := o.store.Set(ctx, registryKey, data); err != nil {
		return fmt.Errorf("persist task registry: %w", err)
	}
	return nil
}

// recoverTasks loads persisted tasks and re-enqueues those still pending.
// It returns the number of tasks loaded and how many were queued.
func (o *Orchestrator) recoverTasks(ctx context.Context) (int, int, error) {
	data, err := o.store.Get(ctx, registryKey)
	if err != nil {
		return 0, 0, fmt.Errorf("load task registry: %w", err)
	}
	if data == nil {
		return 0, 0, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return 0, 0, fmt.Errorf("decode task registry: %w", err)
	}

	loaded := make([]*Task, 0, len(ids))
	for _, id := range ids {
		raw, err := o.store.Get(ctx, taskKey(id))
		if err != nil {
			return 0, 0, fmt.Errorf("load task %s: %w", id, err)
		}
		if raw == nil {
			o.logger.Warn("orchestrator: registered task missing from store", "task", id)
			continue
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			o.logger.Warn("orchestrator: skipping corrupt task", "task", id, "error", err)
			continue
		}
		loaded = append(loaded, &t)
	}

	// Arrival order decides ties within a priority.
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	o.mu.Lock()
	defer o.mu.Unlock()

	pending := 0
	for _, t := range loaded {
		if _, ok := o.tasks[t.ID]; ok {
			continue
		}
		o.tasks[t.ID] = t
		o.order = append(o.order, t.ID)
		if t.Status == StatusPending {
			o.queue.push(t.ID, t.Priority)
			pending++
		}
	}
	return len(loaded), pending, nil
}
