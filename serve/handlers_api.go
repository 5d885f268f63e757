package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/discovery"
	"github.com/everydev1618/hive/resilience"
)

const maxBodyBytes = 1 << 20

// --- Task Handlers ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		writeJSON(w, http.StatusOK, s.orch.Tasks())
		return
	}
	st, err := hive.ParseTaskStatus(status)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.orch.TasksByStatus(st))
}

// handleSubmitTask admits submissions through the api-submit rate limiter
// and then the api-submit bulkhead.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(w, err)
		return
	}

	task, err := resilience.Call(r.Context(), s.submitLimiter, func(ctx context.Context) (hive.Task, error) {
		return resilience.Call(ctx, s.submitBulkhead, func(ctx context.Context) (hive.Task, error) {
			return s.orch.SubmitTask(ctx, spec)
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.orch.Task(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	canceled, err := s.orch.CancelTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{TaskID: id, Canceled: canceled})
}

// --- Worker Handlers ---

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := hive.WorkerQuery{
		Capabilities: r.URL.Query()["capability"],
		Status:       hive.WorkerStatus(r.URL.Query().Get("status")),
	}
	workers, err := s.directory.FindWorkers(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	worker, err := s.directory.Register(hive.WorkerInfo{
		ID:           req.ID,
		Capabilities: req.Capabilities,
		Status:       req.Status,
		Endpoint:     req.Endpoint,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.directory.Worker(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	var req UpdateWorkerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	worker, err := s.directory.Update(r.PathValue("id"), discovery.Update{
		Capabilities: req.Capabilities,
		Status:       req.Status,
		Endpoint:     req.Endpoint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.directory.Heartbeat(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "worker not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	if !s.directory.Deregister(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "worker not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkerReport accepts a worker's progress report and publishes it on
// the bus for the orchestrator.
func (s *Server) handleWorkerReport(w http.ResponseWriter, r *http.Request) {
	var report hive.WorkerReport
	if !decodeBody(w, r, &report) {
		return
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	if err := hive.EmitReport(s.bus, report); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Schedule Handlers ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.ListJobs())
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spec, err := req.Task.Spec()
	if err != nil {
		writeError(w, err)
		return
	}
	job := Job{Name: req.Name, Cron: req.Cron, Spec: spec, Enabled: true}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if err := s.scheduler.AddJob(job); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RemoveJob(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Trigger(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// --- Observability Handlers ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	resp := StatsResponse{
		Tasks:         s.orch.Stats(),
		Workers:       len(s.directory.Workers()),
		Subscribers:   s.broker.Len(),
		Schedules:     len(s.scheduler.ListJobs()),
		JournalActive: s.journal != nil,
	}
	if !started.IsZero() {
		resp.Uptime = time.Since(started).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResilience(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ResilienceResponse{
		Snapshot:       s.registry.Snapshot(),
		WorkerBreakers: s.orch.WorkerBreakers(),
	})
}

// handleListEvents reads the event journal, newest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "event journal disabled"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := s.journal.ListEvents(r.URL.Query().Get("topic"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resilience.ErrRateLimited),
		errors.Is(err, resilience.ErrQueueTimeout),
		errors.Is(err, resilience.ErrBulkheadFull):
		return http.StatusTooManyRequests
	case errors.Is(err, hive.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, hive.ErrTaskExists):
		return http.StatusConflict
	case errors.Is(err, hive.ErrTaskNotFound),
		errors.Is(err, hive.ErrWorkerNotFound),
		errors.Is(err, ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, hive.ErrNotStarted), errors.Is(err, resilience.ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
