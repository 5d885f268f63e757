// Package serve runs the hive HTTP server: the task and worker API, the
// worker callback endpoint, an SSE event stream, cron-scheduled
// submissions and Prometheus metrics.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/config"
	"github.com/everydev1618/hive/discovery"
	"github.com/everydev1618/hive/eventbus"
	"github.com/everydev1618/hive/resilience"
	"github.com/everydev1618/hive/store"
	"github.com/everydev1618/hive/telemetry"
)

// Server is the HTTP server for the hive REST API.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *eventbus.Bus
	registry  *resilience.Registry
	kv        store.KV
	journal   *store.SQLite
	directory *discovery.Directory
	orch      *hive.Orchestrator
	exporter  *telemetry.Exporter
	metrics   *prometheus.Registry
	broker    *EventBroker
	scheduler *Scheduler
	callbacks *hive.CallbackWatcher
	telegram  *TelegramBot

	submitLimiter  *resilience.RateLimiter
	submitBulkhead *resilience.Bulkhead

	mu        sync.Mutex
	cancel    context.CancelFunc
	stops     []func()
	schedDone chan struct{}
	botDone   chan struct{}
	startedAt time.Time
}

// New builds every component from cfg. Nothing runs until Open or Start.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		bus:     eventbus.New(eventbus.WithLogger(logger), eventbus.WithHistoryLimit(1000)),
		broker:  NewEventBroker(),
		metrics: prometheus.NewRegistry(),
	}
	s.registry = resilience.NewRegistry(s.bus, resilience.WithLogger(logger))

	kv, journal, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.kv = kv
	s.journal = journal

	s.directory = discovery.New(s.bus,
		discovery.WithConfig(cfg.DiscoveryConfig()),
		discovery.WithLogger(logger),
	)

	var notifier hive.WorkerNotifier = hive.NewBusNotifier(s.bus)
	if cfg.Notifier.Mode == "http" {
		notifier = hive.NewHTTPNotifier(s.directory, s.registry, cfg.HTTPNotifierConfig())
	}

	s.orch, err = hive.NewOrchestrator(
		hive.WithBus(s.bus),
		hive.WithDirectory(s.directory),
		hive.WithStore(kv),
		hive.WithRegistry(s.registry),
		hive.WithNotifier(notifier),
		hive.WithConfig(cfg.OrchestratorConfig()),
		hive.WithLogger(logger),
	)
	if err != nil {
		kv.Close()
		return nil, err
	}

	s.exporter, err = telemetry.NewExporter("hive", s.metrics)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if cfg.Server.CallbackDir != "" {
		s.callbacks, err = hive.NewCallbackWatcher(cfg.Server.CallbackDir, s.bus, logger)
		if err != nil {
			kv.Close()
			return nil, err
		}
	}

	if tg := cfg.Telegram; tg.Token != "" {
		s.telegram, err = NewTelegramBot(tg.Token, tg.Endpoint, tg.ChatID, s.orch, logger)
		if err != nil {
			kv.Close()
			return nil, err
		}
	}

	s.submitLimiter = s.registry.Limiter("api-submit", cfg.LimiterConfig())
	s.submitBulkhead = s.registry.Bulkhead("api-submit", cfg.BulkheadConfig())

	var persist func(Job) error
	var remove func(string) error
	if journal != nil {
		persist = func(job Job) error {
			rec, err := jobToRecord(job)
			if err != nil {
				return err
			}
			return journal.UpsertScheduledJob(rec)
		}
		remove = journal.DeleteScheduledJob
	}
	s.scheduler = NewScheduler(s.orch.SubmitTask, persist, remove, logger)

	return s, nil
}

// openStore picks the task store. Only SQLite also provides the event
// journal and schedule persistence.
func openStore(cfg config.StoreConfig) (store.KV, *store.SQLite, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil, nil
	case "file":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, nil, err
		}
		f, err := store.NewFile(cfg.Path)
		return f, nil, err
	case "sqlite", "":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, nil, err
		}
		db, err := store.NewSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.Journal {
			return db, nil, nil
		}
		return db, db, nil
	case "sqlserver":
		db, err := store.NewSQLServer(cfg.Path)
		return db, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// Bus returns the server's event bus.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Orchestrator returns the server's orchestrator.
func (s *Server) Orchestrator() *hive.Orchestrator { return s.orch }

// Directory returns the server's worker directory.
func (s *Server) Directory() *discovery.Directory { return s.directory }

// Scheduler returns the server's cron scheduler.
func (s *Server) Scheduler() *Scheduler { return s.scheduler }

// Open wires the event flows and starts every background component. It
// does not listen; see Handler and Start.
func (s *Server) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	s.startedAt = time.Now()
	ctx, cancel := context.WithCancel(ctx)

	// Journal and broker attach first so the recovery events are recorded.
	if s.journal != nil {
		s.stops = append(s.stops, s.journal.Journal(s.bus, s.logger))
	}
	s.stops = append(s.stops, s.broker.Attach(s.bus))
	s.exporter.Attach(s.bus)
	s.stops = append(s.stops, s.exporter.Detach)

	if err := s.orch.Start(ctx); err != nil {
		s.runStops()
		cancel()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	s.directory.Start(ctx)

	if s.callbacks != nil {
		if err := s.callbacks.Start(); err != nil {
			s.logger.Warn("callback watcher disabled", "dir", s.callbacks.Dir(), "error", err)
		} else {
			s.stops = append(s.stops, s.callbacks.Stop)
		}
	}

	s.restoreSchedules()
	s.ApplySchedules(s.cfg.Schedules)

	s.schedDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.scheduler.Start(ctx)
	}(s.schedDone)

	if s.telegram != nil {
		s.stops = append(s.stops, s.telegram.Attach(s.bus))
		s.botDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			s.telegram.Start(ctx)
		}(s.botDone)
	}

	s.cancel = cancel
	return nil
}

// restoreSchedules re-adds jobs saved by a previous run.
func (s *Server) restoreSchedules() {
	if s.journal == nil {
		return
	}
	recs, err := s.journal.ListScheduledJobs()
	if err != nil {
		s.logger.Warn("load schedules failed", "error", err)
		return
	}
	for _, rec := range recs {
		job, err := jobFromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping saved schedule", "name", rec.Name, "error", err)
			continue
		}
		if err := s.scheduler.AddJob(job); err != nil {
			s.logger.Warn("skipping saved schedule", "name", rec.Name, "error", err)
		}
	}
}

// ApplySchedules adds or replaces the configured schedules. It is called
// on Open and again when the config file changes.
func (s *Server) ApplySchedules(schedules []config.ScheduleConfig) {
	for _, sc := range schedules {
		job := Job{Name: sc.Name, Cron: sc.Cron, Spec: sc.Task.Spec(), Enabled: true}
		if err := s.scheduler.AddJob(job); err != nil {
			s.logger.Warn("invalid schedule", "name", sc.Name, "error", err)
		}
	}
}

// Close stops background components, shuts the orchestrator down and
// closes the store.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		<-s.schedDone
		if s.botDone != nil {
			<-s.botDone
		}
		s.directory.Stop()
		if err := s.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.runStops()
	}
	s.broker.Close()
	s.registry.Close()
	if err := s.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) runStops() {
	for i := len(s.stops) - 1; i >= 0; i-- {
		s.stops[i]()
	}
	s.stops = nil
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start opens the server, listens for HTTP requests and blocks until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("hive serve started", "addr", s.cfg.Server.Addr, "store", s.cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error.
	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case serveErr = <-errCh:
	}

	// Close broker first; this closes all SSE subscriber channels,
	// unblocking their handlers so the HTTP server can drain cleanly.
	s.broker.Close()

	// Graceful shutdown with 5s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}
	if err := s.Close(shutdownCtx); err != nil {
		s.logger.Error("close error", "error", err)
	}
	return serveErr
}

// registerRoutes adds all API routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	// Workers
	mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	mux.HandleFunc("POST /api/workers", s.handleRegisterWorker)
	mux.HandleFunc("POST /api/workers/events", s.handleWorkerReport)
	mux.HandleFunc("GET /api/workers/{id}", s.handleGetWorker)
	mux.HandleFunc("PATCH /api/workers/{id}", s.handleUpdateWorker)
	mux.HandleFunc("POST /api/workers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /api/workers/{id}", s.handleDeregisterWorker)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleAddSchedule)
	mux.HandleFunc("DELETE /api/schedules/{name}", s.handleRemoveSchedule)
	mux.HandleFunc("POST /api/schedules/{name}/run", s.handleRunSchedule)

	// Observability
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/resilience", s.handleResilience)
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/stream", s.handleSSE)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
