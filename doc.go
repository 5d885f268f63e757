// Package hive orchestrates tasks across a fleet of workers.
//
// Hive accepts tasks, keeps them in a priority queue, and assigns each one
// to a worker that offers every capability the task requires. It provides:
//
//   - A priority task queue persisted to a key/value Store
//   - Capability matching against a WorkerDirectory
//   - Per-worker circuit breakers and retried assignment notifications
//   - Timeout sweeps for tasks a worker holds too long
//   - Reassignment when a worker's heartbeat expires
//
// All coordination flows through an eventbus.Bus. Workers report progress
// by emitting worker topics, by dropping report files into a directory
// watched by a CallbackWatcher, or by POSTing a WorkerReport to the server.
//
// # Quick Start
//
//	bus := eventbus.New()
//	dir := discovery.New(bus)
//	orch, err := hive.NewOrchestrator(
//	    hive.WithBus(bus),
//	    hive.WithDirectory(dir),
//	    hive.WithStore(store.NewMemory()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := orch.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Shutdown(context.Background())
//
//	task, err := orch.SubmitTask(ctx, hive.TaskSpec{
//	    Priority:             5,
//	    RequiredCapabilities: []string{"gpu"},
//	    Timeout:              10 * time.Minute,
//	})
//
// # Task Lifecycle
//
// A task moves from pending to assigned when a worker accepts the
// notification, to running when the worker reports it started, and then
// to completed or failed. Canceling is possible from any non-terminal
// status. A task whose worker expires goes back to pending.
//
// # Resilience
//
// Notifications to a worker pass through that worker's circuit breaker,
// named "worker-<id>" in the resilience.Registry, and are retried with
// exponential backoff. Workers whose breaker is open are skipped during
// assignment until the breaker's reset timeout elapses.
package hive
