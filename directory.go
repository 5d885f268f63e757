package hive

import (
	"context"
	"time"
)

// WorkerStatus is the availability a worker reports.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerInactive WorkerStatus = "inactive"
	WorkerBusy     WorkerStatus = "busy"
)

// WorkerInfo describes a worker known to the directory.
type WorkerInfo struct {
	ID           string       `json:"id"`
	Capabilities []string     `json:"capabilities"`
	Status       WorkerStatus `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`

	// Endpoint is the base URL used by HTTPNotifier; optional
	Endpoint string `json:"endpoint,omitempty"`
}

// HasCapabilities reports whether w offers every capability in want.
func (w WorkerInfo) HasCapabilities(want []string) bool {
	for _, c := range want {
		found := false
		for _, have := range w.Capabilities {
			if have == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// WorkerQuery filters FindWorkers. Zero fields match everything.
type WorkerQuery struct {
	Capabilities []string
	Status       WorkerStatus
}

// Matches reports whether w satisfies q.
func (q WorkerQuery) Matches(w WorkerInfo) bool {
	if q.Status != "" && w.Status != q.Status {
		return false
	}
	return w.HasCapabilities(q.Capabilities)
}

// WorkerDirectory finds workers able to take tasks. Implementations publish
// TopicWorkerExpired on the shared bus when a worker's heartbeat lapses.
type WorkerDirectory interface {
	FindWorkers(ctx context.Context, q WorkerQuery) ([]WorkerInfo, error)
}
