package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/everydev1618/hive/eventbus"
)

// ReportType identifies what a worker is reporting.
type ReportType string

const (
	ReportStarted   ReportType = "started"
	ReportCompleted ReportType = "completed"
	ReportFailed    ReportType = "failed"
)

// WorkerReport is how an out-of-process worker reports progress, either as
// a file dropped into a callback directory or as an HTTP POST.
type WorkerReport struct {
	Type      ReportType `json:"type"`
	TaskID    string     `json:"task_id"`
	WorkerID  string     `json:"worker_id"`
	Timestamp time.Time  `json:"timestamp"`

	// For completion reports
	Result *Result `json:"result,omitempty"`

	// For failure reports
	Error string `json:"error,omitempty"`
}

// Payload converts the report into the bus event the orchestrator consumes.
func (r WorkerReport) Payload() (string, eventbus.Payload, error) {
	if r.TaskID == "" {
		return "", nil, fmt.Errorf("report without task id")
	}
	switch r.Type {
	case ReportStarted:
		return TopicWorkerTaskStarted, WorkerTaskStarted{TaskID: r.TaskID, WorkerID: r.WorkerID}, nil
	case ReportCompleted:
		var res Result
		if r.Result != nil {
			res = *r.Result
		}
		return TopicWorkerTaskCompleted, WorkerTaskCompleted{TaskID: r.TaskID, WorkerID: r.WorkerID, Result: res}, nil
	case ReportFailed:
		return TopicWorkerTaskFailed, WorkerTaskFailed{TaskID: r.TaskID, WorkerID: r.WorkerID, Error: r.Error}, nil
	default:
		return "", nil, fmt.Errorf("unknown report type %q", r.Type)
	}
}

// EmitReport publishes r on bus.
func EmitReport(bus *eventbus.Bus, r WorkerReport) error {
	topic, payload, err := r.Payload()
	if err != nil {
		return err
	}
	bus.Emit(topic, payload)
	return nil
}

const reportExt = ".event"

// WriteReportFile drops r into dir for a CallbackWatcher to pick up. The
// file is written under a temporary name and renamed so the watcher never
// reads a partial report.
func WriteReportFile(dir string, r WorkerReport) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s-%s-%d%s", r.TaskID, r.Type, time.Now().UnixNano(), reportExt)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

// PostReport sends r to a callback URL such as the server's
// /api/workers/events endpoint.
func PostReport(ctx context.Context, client *http.Client, url string, r WorkerReport) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback failed: %s", resp.Status)
	}
	return nil
}

// CallbackWatcher turns report files dropped into a directory into bus
// events. Processed and corrupt files are removed.
type CallbackWatcher struct {
	dir    string
	bus    *eventbus.Bus
	logger *slog.Logger

	// rescan catches files whose fsnotify event was missed
	rescan time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCallbackWatcher creates a watcher for dir, creating it if needed. A
// "~" prefix is expanded to the home directory.
func NewCallbackWatcher(dir string, bus *eventbus.Bus, logger *slog.Logger) (*CallbackWatcher, error) {
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create callback dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackWatcher{
		dir:    dir,
		bus:    bus,
		logger: logger,
		rescan: 5 * time.Second,
	}, nil
}

// Dir returns the watched directory.
func (w *CallbackWatcher) Dir() string {
	return w.dir
}

// Start processes reports already in the directory and then watches for
// new ones until Stop.
func (w *CallbackWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.stopCh = make(chan struct{})

	w.scan()

	w.wg.Add(1)
	go w.run(fw, w.stopCh)
	return nil
}

// Stop ends watching. Files arriving afterwards stay on disk.
func (w *CallbackWatcher) Stop() {
	w.mu.Lock()
	fw := w.watcher
	if fw == nil {
		w.mu.Unlock()
		return
	}
	w.watcher = nil
	close(w.stopCh)
	w.mu.Unlock()

	fw.Close()
	w.wg.Wait()
}

func (w *CallbackWatcher) run(fw *fsnotify.Watcher, stop chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if isReportFile(filepath.Base(ev.Name)) {
				w.process(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("callback: watch error", "dir", w.dir, "error", err)
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *CallbackWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("callback: read dir failed", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isReportFile(entry.Name()) {
			continue
		}
		w.process(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *CallbackWatcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by a concurrent scan.
		return
	}
	if err := os.Remove(path); err != nil {
		return
	}

	var r WorkerReport
	if err := json.Unmarshal(data, &r); err != nil {
		w.logger.Warn("callback: dropping corrupt report", "file", filepath.Base(path), "error", err)
		return
	}
	if err := EmitReport(w.bus, r); err != nil {
		w.logger.Warn("callback: dropping invalid report", "file", filepath.Base(path), "error", err)
	}
}

func isReportFile(name string) bool {
	return filepath.Ext(name) == reportExt && !strings.HasPrefix(name, ".")
}
