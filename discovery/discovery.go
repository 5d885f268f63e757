// Package discovery provides an in-memory worker directory with heartbeat
// expiry.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/eventbus"
)

var _ hive.WorkerDirectory = (*Directory)(nil)

// Config tunes expiry.
type Config struct {
	// SweepInterval is how often expired workers are removed (default 30s)
	SweepInterval time.Duration

	// Expiry is how long a worker may go without a heartbeat (default 90s)
	Expiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Expiry <= 0 {
		c.Expiry = 90 * time.Second
	}
	return c
}

// Directory tracks workers and implements hive.WorkerDirectory.
type Directory struct {
	bus    *eventbus.Bus
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	workers map[string]hive.WorkerInfo

	hbSub  eventbus.SubscriptionID
	stopMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Directory.
type Option func(*Directory)

// WithConfig sets expiry parameters.
func WithConfig(c Config) Option {
	return func(d *Directory) {
		d.cfg = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// New creates a Directory publishing on bus. It also accepts heartbeats
// emitted as hive.TopicWorkerHeartbeat.
func New(bus *eventbus.Bus, opts ...Option) *Directory {
	d := &Directory{
		bus:     bus,
		workers: make(map[string]hive.WorkerInfo),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cfg = d.cfg.withDefaults()

	d.hbSub = bus.On(hive.TopicWorkerHeartbeat, func(ev eventbus.Event) {
		if p, ok := ev.Payload.(hive.WorkerHeartbeat); ok {
			d.Heartbeat(p.WorkerID)
		}
	})
	return d
}

// Register adds or replaces a worker. An empty status means active.
func (d *Directory) Register(w hive.WorkerInfo) (hive.WorkerInfo, error) {
	if w.ID == "" {
		return hive.WorkerInfo{}, fmt.Errorf("register worker: empty id")
	}
	if w.Status == "" {
		w.Status = hive.WorkerActive
	}
	w.Capabilities = append([]string(nil), w.Capabilities...)
	w.LastSeen = d.now()

	d.mu.Lock()
	d.workers[w.ID] = w
	d.mu.Unlock()

	d.logger.Info("discovery: worker registered", "worker", w.ID, "capabilities", w.Capabilities)
	d.bus.Emit(hive.TopicWorkerRegistered, hive.WorkerRegistered{Worker: w})
	return w, nil
}

// Update is the set of fields Update may change. Nil fields are kept.
type Update struct {
	Capabilities []string
	Status       *hive.WorkerStatus
	Endpoint     *string
}

// Update changes a registered worker and counts as a heartbeat.
func (d *Directory) Update(id string, u Update) (hive.WorkerInfo, error) {
	d.mu.Lock()
	w, ok := d.workers[id]
	if !ok {
		d.mu.Unlock()
		return hive.WorkerInfo{}, fmt.Errorf("update %s: %w", id, hive.ErrWorkerNotFound)
	}
	if u.Capabilities != nil {
		w.Capabilities = append([]string(nil), u.Capabilities...)
	}
	if u.Status != nil {
		w.Status = *u.Status
	}
	if u.Endpoint != nil {
		w.Endpoint = *u.Endpoint
	}
	w.LastSeen = d.now()
	d.workers[id] = w
	d.mu.Unlock()

	d.bus.Emit(hive.TopicWorkerUpdated, hive.WorkerUpdated{Worker: w})
	return w, nil
}

// Heartbeat refreshes a worker's last-seen time. It returns false for an
// unknown worker.
func (d *Directory) Heartbeat(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[id]
	if !ok {
		return false
	}
	w.LastSeen = d.now()
	d.workers[id] = w
	return true
}

// Deregister removes a worker. It returns false for an unknown worker.
// Tasks held by a deregistered worker are left alone; only expiry
// reassigns them.
func (d *Directory) Deregister(id string) bool {
	d.mu.Lock()
	_, ok := d.workers[id]
	delete(d.workers, id)
	d.mu.Unlock()

	if ok {
		d.logger.Info("discovery: worker deregistered", "worker", id)
		d.bus.Emit(hive.TopicWorkerDeregistered, hive.WorkerDeregistered{WorkerID: id})
	}
	return ok
}

// Worker returns a registered worker.
func (d *Directory) Worker(id string) (hive.WorkerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[id]
	return w, ok
}

// Workers returns every registered worker sorted by id.
func (d *Directory) Workers() []hive.WorkerInfo {
	out, _ := d.FindWorkers(context.Background(), hive.WorkerQuery{})
	return out
}

// FindWorkers returns the workers matching q, sorted by id.
func (d *Directory) FindWorkers(_ context.Context, q hive.WorkerQuery) ([]hive.WorkerInfo, error) {
	d.mu.RLock()
	out := make([]hive.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		if q.Matches(w) {
			w.Capabilities = append([]string(nil), w.Capabilities...)
			out = append(out, w)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Sweep removes workers whose last heartbeat is older than the expiry and
// publishes hive.TopicWorkerExpired for each. It returns the expired ids.
func (d *Directory) Sweep() []string {
	now := d.now()
	var expired []hive.WorkerExpired

	d.mu.Lock()
	for id, w := range d.workers {
		if now.Sub(w.LastSeen) > d.cfg.Expiry {
			delete(d.workers, id)
			expired = append(expired, hive.WorkerExpired{WorkerID: id, LastSeen: w.LastSeen})
		}
	}
	d.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].WorkerID < expired[j].WorkerID })

	ids := make([]string, 0, len(expired))
	for _, ev := range expired {
		d.logger.Warn("discovery: worker expired", "worker", ev.WorkerID, "last_seen", ev.LastSeen)
		d.bus.Emit(hive.TopicWorkerExpired, ev)
		ids = append(ids, ev.WorkerID)
	}
	return ids
}

// Start runs Sweep every SweepInterval until ctx is done or Stop is called.
func (d *Directory) Start(ctx context.Context) {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	d.stopCh = stop

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(d.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				d.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and the heartbeat subscription.
func (d *Directory) Stop() {
	d.stopMu.Lock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
	d.stopMu.Unlock()

	d.wg.Wait()
	d.bus.Off(hive.TopicWorkerHeartbeat, d.hbSub)
}
