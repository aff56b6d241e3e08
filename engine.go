// Package triage implements the priority-aware triage engine: a bounded,
// in-process scheduler that admits clinical triage items, orders them by
// effective urgency with deterministic aging, hands them to workers under
// time-bounded leases, and keeps per-item lifecycle state queryable until
// garbage collection.
package triage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/webqx/triage-engine/audit"
	"github.com/webqx/triage-engine/internal/aging"
	"github.com/webqx/triage-engine/internal/clock"
	"github.com/webqx/triage-engine/internal/lease"
	"github.com/webqx/triage-engine/internal/queue"
	"github.com/webqx/triage-engine/internal/store"
	"github.com/webqx/triage-engine/internal/telemetry/events"
	intmetrics "github.com/webqx/triage-engine/internal/telemetry/metrics"
	"github.com/webqx/triage-engine/internal/telemetry/tracing"
	"github.com/webqx/triage-engine/models"
	"github.com/webqx/triage-engine/telemetry/health"
	"github.com/webqx/triage-engine/telemetry/logging"
)

// maxHeadRefresh bounds the aged-key re-inserts done inside a single Lease
// call before the current head is taken as-is.
const maxHeadRefresh = 16

// expiredLeaseMemory bounds how many reclaimed lease ids are remembered so a
// late Ack/Nack can be answered with LeaseExpired instead of UnknownLease.
const expiredLeaseMemory = 8192

// Grant is a successful lease: exclusive processing rights over Item until
// ExpiresAt.
type Grant struct {
	LeaseID   string
	Item      *models.Item
	ExpiresAt time.Time
}

// NackOptions controls a negative completion.
type NackOptions struct {
	// Requeue returns the item to Pending (counting a retry); false fails
	// it terminally.
	Requeue bool
	// PriorityOverride, when set on a requeue, re-inserts the item at the
	// given class. It must belong to the configured priority set and must
	// not exceed the item's base priority.
	PriorityOverride *models.Priority
	Reason           string
}

// TelemetryEvent is the reduced event representation handed to observers.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications synchronously after
// the originating operation commits. Observers must be fast.
type EventObserver func(ev TelemetryEvent)

// BusSnapshot summarizes internal event bus counters.
type BusSnapshot struct {
	Subscribers int64  `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Snapshot is a unified view of engine state.
type Snapshot struct {
	StartedAt        time.Time      `json:"started_at"`
	Uptime           time.Duration  `json:"uptime"`
	Pending          int            `json:"pending"`
	InFlightLeases   int            `json:"in_flight_leases"`
	QueueDepthByBand map[string]int `json:"queue_depth_by_band"`
	StoreByState     map[string]int `json:"store_by_state"`
	NextLeaseExpiry  *time.Time     `json:"next_lease_expiry,omitempty"`
	Sequence         uint64         `json:"sequence"`
	Bus              BusSnapshot    `json:"bus"`
}

type waiter struct {
	workerID string
	ttl      time.Duration
	grant    *Grant
	err      error
	ready    chan struct{}
	removed  bool
}

// Engine composes the queue, store, lease table, aging policy, and telemetry
// behind a single facade. A single mutex serializes every state transition;
// all invariants are checked under it.
type Engine struct {
	cfg    Config
	pol    aging.Policy
	clock  clock.Clock
	log    logging.Logger
	sink   audit.Sink
	tun    atomic.Pointer[Tunables]
	fatals atomic.Uint64 // counts invariant aborts; each abort still panics

	mu          sync.Mutex
	q           *queue.Index
	items       *store.Store
	leases      *lease.Table
	waiters     []*waiter
	seq         uint64
	stateCounts map[models.State]int
	// expiredLeases remembers reclaimed lease ids (value: reclaim time) so
	// the original holder's next call answers LeaseExpired.
	expiredLeases map[string]time.Time
	expiredOrder  []string
	lastAgingAt   time.Time
	shuttingDown  bool

	metrics  *engineMetrics
	provider intmetrics.Provider
	bus      events.Bus
	health   *health.Evaluator

	observersMu sync.RWMutex
	observers   []EventObserver

	startedAt  time.Time
	reaperWake chan struct{}
	tasks      *errgroup.Group
	stopTasks  context.CancelFunc
	stopOnce   sync.Once
}

// New constructs an Engine. When cfg.Persistence is bound and holds a prior
// snapshot, the engine restores it before starting background tasks.
func New(cfg Config) (*Engine, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, kindErr(KindInvalidArgument, "%v", err)
	}
	e := &Engine{
		cfg:           cfg,
		pol:           cfg.agingPolicy(),
		clock:         cfg.Clock,
		log:           cfg.Logger,
		sink:          cfg.AuditSink,
		q:             queue.New(),
		items:         store.New(),
		leases:        lease.NewTable(),
		stateCounts:   make(map[models.State]int),
		expiredLeases: make(map[string]time.Time),
		reaperWake:    make(chan struct{}, 1),
		startedAt:     cfg.Clock.Now(),
	}
	tun := cfg.tunables()
	e.tun.Store(&tun)
	e.provider = selectMetricsProvider(cfg)
	e.metrics = newEngineMetrics(e.provider)
	e.bus = events.NewBus(e.provider)
	e.health = health.NewEvaluator(2*time.Second, e.healthProbes()...)

	if cfg.Persistence != nil {
		data, err := cfg.Persistence.Load()
		if err != nil {
			return nil, kindErr(KindInvalidArgument, "load persisted state: %v", err)
		}
		if len(data) > 0 {
			if err := e.restoreState(data); err != nil {
				return nil, err
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	e.tasks = g
	e.stopTasks = cancel
	g.Go(func() error { e.agingLoop(gctx); return nil })
	g.Go(func() error { e.reaperLoop(gctx); return nil })
	return e, nil
}

// Tunables returns the current runtime-tunable settings.
func (e *Engine) Tunables() Tunables { return *e.tun.Load() }

// UpdateTunables atomically swaps the runtime-tunable subset. Nil resets to
// the constructed configuration. Out-of-range fields fall back likewise.
func (e *Engine) UpdateTunables(t *Tunables) {
	var next Tunables
	if t == nil {
		next = e.cfg.tunables()
	} else {
		next = t.normalize(e.cfg)
	}
	e.tun.Store(&next)
	e.publishDetached(events.Event{Category: events.CategoryConfig, Type: "tunables_updated", Severity: "info"})
}

// RegisterEventObserver adds an observer invoked after each lifecycle event
// commits. Safe for concurrent use; nil is ignored.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	e.observersMu.Lock()
	e.observers = append(e.observers, obs)
	e.observersMu.Unlock()
}

// MetricsHandler returns the HTTP handler for metrics exposition (Prometheus
// backend only); nil when metrics are disabled or the backend has no handler.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil || e.provider == nil {
		return nil
	}
	if hp, ok := e.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Admit accepts a new triage item and inserts it into the pending queue.
func (e *Engine) Admit(ctx context.Context, spec models.ItemSpec) (string, error) {
	ctx, _ = tracing.Start(ctx, "admit")
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return "", kindErr(KindShuttingDown, "admit %s", spec.ID)
	}
	if spec.ID == "" {
		e.mu.Unlock()
		return "", kindErr(KindInvalidArgument, "%v", models.ErrEmptyID)
	}
	if !e.cfg.priorityAllowed(spec.Priority) {
		e.mu.Unlock()
		return "", kindErr(KindInvalidPriority, "priority %d not in accepted set", spec.Priority)
	}
	if e.items.Contains(spec.ID) {
		e.mu.Unlock()
		return "", kindErr(KindDuplicateID, "item %s already admitted", spec.ID)
	}
	if e.items.Len() >= e.cfg.MaxItems {
		e.metrics.onCapacityRejected()
		e.mu.Unlock()
		return "", kindErr(KindCapacityExceeded, "store holds %d items", e.cfg.MaxItems)
	}

	now := e.clock.Now()
	e.seq++
	it := &models.Item{
		ID:            spec.ID,
		BasePriority:  spec.Priority,
		SchedPriority: spec.Priority,
		AdmittedAt:    now,
		Sequence:      e.seq,
		Payload:       spec.Payload,
		State:         models.StatePending,
		History:       []models.HistoryEntry{{At: now, Event: "admitted", Detail: spec.Priority.String()}},
	}
	e.items.Put(it)
	e.stateCounts[models.StatePending]++
	e.q.Push(it.ID, queue.Key{Priority: int(spec.Priority), Sequence: it.Sequence})
	e.metrics.onAdmit(spec.Priority)
	evs := []TelemetryEvent{e.recordLocked(ctx, audit.Event{
		Time: now, Type: "admit", ItemID: it.ID, Priority: spec.Priority.String(),
	})}
	evs = append(evs, e.serveWaitersLocked(ctx, now)...)
	e.refreshGaugesLocked()
	e.mu.Unlock()
	e.dispatch(evs)
	return it.ID, nil
}

// TryLease returns the highest-effective-priority pending item, or (nil, nil)
// when nothing is pending.
func (e *Engine) TryLease(ctx context.Context, workerID string, ttl time.Duration) (*Grant, error) {
	ctx, _ = tracing.Start(ctx, "lease")
	ttl, err := e.normalizeTTL(ttl)
	if err != nil {
		return nil, err
	}
	if workerID == "" {
		return nil, kindErr(KindInvalidArgument, "%v", models.ErrEmptyWorkerID)
	}
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil, kindErr(KindShuttingDown, "lease for %s", workerID)
	}
	now := e.clock.Now()
	evs := e.reapExpiredLocked(ctx, now)
	var g *Grant
	if it, ok := e.popBestLocked(now); ok {
		var ev TelemetryEvent
		g, ev = e.grantLocked(ctx, it, workerID, ttl, now)
		evs = append(evs, ev)
	}
	e.refreshGaugesLocked()
	e.mu.Unlock()
	e.dispatch(evs)
	return g, nil
}

// Lease blocks until a pending item is available or ctx is done. Waiters are
// served in FIFO arrival order, each receiving the highest-effective-priority
// item at the moment it is served.
func (e *Engine) Lease(ctx context.Context, workerID string, ttl time.Duration) (*Grant, error) {
	g, err := e.TryLease(ctx, workerID, ttl)
	if err != nil || g != nil {
		return g, err
	}
	ttl, _ = e.normalizeTTL(ttl)

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil, kindErr(KindShuttingDown, "lease for %s", workerID)
	}
	// An item may have arrived between TryLease releasing the mutex and now.
	if it, ok := e.popBestLocked(e.clock.Now()); ok {
		g, ev := e.grantLocked(ctx, it, workerID, ttl, e.clock.Now())
		e.refreshGaugesLocked()
		e.mu.Unlock()
		e.dispatch([]TelemetryEvent{ev})
		return g, nil
	}
	w := &waiter{workerID: workerID, ttl: ttl, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	select {
	case <-w.ready:
		return w.grant, w.err
	case <-ctx.Done():
		e.mu.Lock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation: the assignment is
			// rolled back so a cancelled Lease never leaves the item Leased.
			if w.grant != nil {
				now := e.clock.Now()
				evs := e.rollbackGrantLocked(ctx, w.grant, now)
				e.refreshGaugesLocked()
				e.mu.Unlock()
				e.dispatch(evs)
				return nil, kindErr(KindDeadlineExceeded, "lease wait cancelled")
			}
			err := w.err
			e.mu.Unlock()
			return nil, err
		default:
		}
		w.removed = true
		e.mu.Unlock()
		return nil, kindErr(KindDeadlineExceeded, "lease wait cancelled")
	}
}

// Ack positively completes an active lease, moving its item to Completed.
func (e *Engine) Ack(ctx context.Context, leaseID, detail string) error {
	ctx, _ = tracing.Start(ctx, "ack")
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return kindErr(KindShuttingDown, "ack %s", leaseID)
	}
	now := e.clock.Now()
	evs := e.reapExpiredLocked(ctx, now)
	entry, err := e.activeLeaseLocked(leaseID)
	if err != nil {
		e.refreshGaugesLocked()
		e.mu.Unlock()
		e.dispatch(evs)
		return err
	}
	it := e.mustItemLocked(entry.ItemID, leaseID)
	if it.State.Terminal() {
		e.mu.Unlock()
		e.dispatch(evs)
		return kindErr(KindAlreadyTerminal, "item %s is %s", it.ID, it.State)
	}
	e.leases.Remove(leaseID)
	e.setStateLocked(it, models.StateCompleted, now, "completed", detail)
	e.metrics.onAck(it.BasePriority, now.Sub(entry.LeasedAt))
	evs = append(evs, e.recordLocked(ctx, audit.Event{
		Time: now, Type: "ack", ItemID: it.ID, LeaseID: leaseID,
		WorkerID: entry.WorkerID, Priority: it.BasePriority.String(), Detail: detail,
	}))
	e.refreshGaugesLocked()
	e.mu.Unlock()
	e.dispatch(evs)
	return nil
}

// Nack negatively completes an active lease: requeue with a retry, or fail
// terminally. Requeues beyond the retry cap fail the item regardless.
func (e *Engine) Nack(ctx context.Context, leaseID string, opts NackOptions) error {
	ctx, _ = tracing.Start(ctx, "nack")
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return kindErr(KindShuttingDown, "nack %s", leaseID)
	}
	now := e.clock.Now()
	evs := e.reapExpiredLocked(ctx, now)
	entry, err := e.activeLeaseLocked(leaseID)
	if err != nil {
		e.refreshGaugesLocked()
		e.mu.Unlock()
		e.dispatch(evs)
		return err
	}
	it := e.mustItemLocked(entry.ItemID, leaseID)
	if it.State.Terminal() {
		e.mu.Unlock()
		e.dispatch(evs)
		return kindErr(KindAlreadyTerminal, "item %s is %s", it.ID, it.State)
	}

	if opts.Requeue && opts.PriorityOverride != nil {
		ov := *opts.PriorityOverride
		if !e.cfg.priorityAllowed(ov) || ov > it.BasePriority {
			e.mu.Unlock()
			e.dispatch(evs)
			return kindErr(KindInvalidArgument, "priority override %d exceeds base %d or is outside the accepted set", ov, it.BasePriority)
		}
	}

	e.leases.Remove(leaseID)
	if !opts.Requeue {
		e.setStateLocked(it, models.StateFailed, now, "failed", opts.Reason)
		e.metrics.onNackFailed(it.BasePriority, now.Sub(entry.LeasedAt))
		evs = append(evs, e.recordLocked(ctx, audit.Event{
			Time: now, Type: "nack_fail", ItemID: it.ID, LeaseID: leaseID,
			WorkerID: entry.WorkerID, Priority: it.BasePriority.String(), Detail: opts.Reason,
		}))
	} else {
		it.Retries++
		limit := e.tun.Load().RetryCap
		if limit > 0 && it.Retries > limit {
			e.setStateLocked(it, models.StateFailed, now, "failed", fmt.Sprintf("retry cap %d exhausted", limit))
			e.metrics.onNackFailed(it.BasePriority, now.Sub(entry.LeasedAt))
			evs = append(evs, e.recordLocked(ctx, audit.Event{
				Time: now, Type: "nack_fail", ItemID: it.ID, LeaseID: leaseID,
				WorkerID: entry.WorkerID, Priority: it.BasePriority.String(),
				Detail: fmt.Sprintf("retry cap %d exhausted: %s", limit, opts.Reason),
			}))
		} else {
			if opts.PriorityOverride != nil {
				it.SchedPriority = *opts.PriorityOverride
			}
			e.setStateLocked(it, models.StatePending, now, "requeued", opts.Reason)
			it.Lease = nil
			e.q.Push(it.ID, queue.Key{Priority: e.effectiveLocked(it, now), Sequence: it.Sequence})
			e.metrics.onNackRequeued(it.BasePriority)
			evs = append(evs, e.recordLocked(ctx, audit.Event{
				Time: now, Type: "nack_requeue", ItemID: it.ID, LeaseID: leaseID,
				WorkerID: entry.WorkerID, Priority: it.SchedPriority.String(), Detail: opts.Reason,
			}))
			evs = append(evs, e.serveWaitersLocked(ctx, now)...)
		}
	}
	e.refreshGaugesLocked()
	e.mu.Unlock()
	e.dispatch(evs)
	return nil
}

// ExtendLease moves an active lease deadline forward by additional.
func (e *Engine) ExtendLease(ctx context.Context, leaseID string, additional time.Duration) error {
	ctx, _ = tracing.Start(ctx, "extend_lease")
	if additional <= 0 {
		return kindErr(KindInvalidArgument, "extension must be positive")
	}
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return kindErr(KindShuttingDown, "extend %s", leaseID)
	}
	now := e.clock.Now()
	evs := e.reapExpiredLocked(ctx, now)
	entry, err := e.activeLeaseLocked(leaseID)
	if err != nil {
		e.refreshGaugesLocked()
		e.mu.Unlock()
		e.dispatch(evs)
		return err
	}
	until := entry.ExpiresAt.Add(additional)
	if until.Sub(entry.LeasedAt) > e.cfg.MaxLeaseTTL {
		e.mu.Unlock()
		e.dispatch(evs)
		return kindErr(KindInvalidArgument, "extension exceeds max lease ttl %s", e.cfg.MaxLeaseTTL)
	}
	e.leases.Extend(leaseID, until)
	it := e.mustItemLocked(entry.ItemID, leaseID)
	if it.Lease != nil {
		it.Lease.ExpiresAt = until
	}
	it.History = append(it.History, models.HistoryEntry{At: now, Event: "lease_extended", Detail: until.Format(time.RFC3339)})
	evs = append(evs, e.recordLocked(ctx, audit.Event{
		Time: now, Type: "lease_extended", ItemID: it.ID, LeaseID: leaseID, WorkerID: entry.WorkerID,
	}))
	e.mu.Unlock()
	e.wakeReaper()
	e.dispatch(evs)
	return nil
}

// GarbageCollect removes terminal items whose terminal_at is at least
// olderThan in the past (so zero removes every terminal item), returning
// the count removed.
func (e *Engine) GarbageCollect(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, _ = tracing.Start(ctx, "gc")
	if olderThan < 0 {
		return 0, kindErr(KindInvalidArgument, "negative gc age")
	}
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return 0, kindErr(KindShuttingDown, "gc")
	}
	now := e.clock.Now()
	cutoff := now.Add(-olderThan)
	var doomed []string
	e.items.Each(func(it *models.Item) bool {
		if it.State.Terminal() && !it.TerminalAt.After(cutoff) {
			doomed = append(doomed, it.ID)
		}
		return true
	})
	for _, id := range doomed {
		it, _ := e.items.Get(id)
		e.stateCounts[it.State]--
		e.items.Delete(id)
	}
	// Forget expiry tombstones past the same horizon.
	kept := e.expiredOrder[:0]
	for _, lid := range e.expiredOrder {
		if at, ok := e.expiredLeases[lid]; ok && at.Before(cutoff) {
			delete(e.expiredLeases, lid)
			continue
		}
		kept = append(kept, lid)
	}
	e.expiredOrder = kept
	var evs []TelemetryEvent
	if len(doomed) > 0 {
		e.metrics.onGC(len(doomed))
		evs = append(evs, e.recordLocked(ctx, audit.Event{
			Time: now, Type: "gc", Detail: fmt.Sprintf("removed %d terminal items", len(doomed)),
		}))
	}
	e.refreshGaugesLocked()
	e.mu.Unlock()
	e.dispatch(evs)
	return len(doomed), nil
}

// Get returns a copy of the item record for id.
func (e *Engine) Get(id string) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items.Get(id)
	if !ok {
		return nil, kindErr(KindUnknownID, "item %s", id)
	}
	return it.Clone(), nil
}

// MetricsSnapshot returns the structured counter/gauge/histogram view.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.snapshot(e.depthByBandLocked(), e.leases.Len(), e.stateCountsCopyLocked())
}

// EstimateWait predicts admit-to-lease latency for the given class from the
// observed per-band mean, falling back to a static table when no samples
// exist yet.
func (e *Engine) EstimateWait(p models.Priority) time.Duration {
	e.mu.Lock()
	stats := e.metrics.admitToLease[p.String()]
	var mean float64
	if stats != nil && stats.Count > 0 {
		mean = stats.SumSeconds / float64(stats.Count)
	}
	e.mu.Unlock()
	if mean > 0 {
		return time.Duration(mean * float64(time.Second))
	}
	switch p {
	case models.PriorityUrgent:
		return 10 * time.Minute
	case models.PriorityHigh:
		return 30 * time.Minute
	case models.PriorityMedium:
		return time.Hour
	default:
		return 2 * time.Hour
	}
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	now := e.clock.Now()
	snap := Snapshot{
		StartedAt:        e.startedAt,
		Uptime:           now.Sub(e.startedAt),
		Pending:          e.q.Len(),
		InFlightLeases:   e.leases.Len(),
		QueueDepthByBand: e.depthByBandLocked(),
		StoreByState:     make(map[string]int, len(e.stateCounts)),
		Sequence:         e.seq,
	}
	for st, n := range e.stateCounts {
		snap.StoreByState[string(st)] = n
	}
	if next, ok := e.leases.NextExpiry(); ok {
		snap.NextLeaseExpiry = &next
	}
	e.mu.Unlock()
	bs := e.bus.Stats()
	snap.Bus = BusSnapshot{Subscribers: bs.Subscribers, Published: bs.Published, Dropped: bs.Dropped}
	return snap
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.health.Evaluate(ctx)
}

// Shutdown refuses new operations, cancels all waiters with ShuttingDown,
// stops background tasks, and saves a snapshot when persistence is bound.
// Idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	already := e.shuttingDown
	e.shuttingDown = true
	if !already {
		for _, w := range e.waiters {
			if !w.removed && w.grant == nil {
				w.err = kindErr(KindShuttingDown, "engine shutting down")
				close(w.ready)
			}
		}
		e.waiters = nil
	}
	e.mu.Unlock()

	var evs []TelemetryEvent
	e.stopOnce.Do(func() {
		e.stopTasks()
		_ = e.tasks.Wait()
		now := e.clock.Now()
		e.mu.Lock()
		evs = append(evs, e.recordLocked(ctx, audit.Event{Time: now, Type: "shutdown"}))
		e.mu.Unlock()
		if e.cfg.Persistence != nil {
			data, err := e.SaveState()
			if err == nil {
				err = e.cfg.Persistence.Save(data)
			}
			if err != nil {
				e.log.ErrorCtx(ctx, "persist snapshot on shutdown", "error", err)
			}
		}
		if c, ok := e.sink.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	e.dispatch(evs)
	return nil
}

// --- internal helpers (require e.mu) -----------------------------------

func (e *Engine) normalizeTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		ttl = e.tun.Load().DefaultLeaseTTL
	}
	if ttl <= 0 || ttl > e.cfg.MaxLeaseTTL {
		return 0, kindErr(KindInvalidArgument, "lease ttl %s outside (0, %s]", ttl, e.cfg.MaxLeaseTTL)
	}
	return ttl, nil
}

func (e *Engine) effectiveLocked(it *models.Item, now time.Time) int {
	return e.pol.Effective(int(it.SchedPriority), it.AdmittedAt, now)
}

// ensureFreshKeysLocked brings every stored queue key up to the effective
// priority at now, memoized per timestamp so repeated pops within one
// serialized operation pay for the pass once. The background aging tick
// keeps drift small between operations.
func (e *Engine) ensureFreshKeysLocked(now time.Time) {
	if now.Equal(e.lastAgingAt) {
		return
	}
	e.refreshAgingLocked(now)
	e.lastAgingAt = now
}

// popBestLocked pops the pending item with the highest current effective
// priority. Keys are refreshed first; the bounded head-fix loop is a
// safety net should any key still disagree.
func (e *Engine) popBestLocked(now time.Time) (*models.Item, bool) {
	e.ensureFreshKeysLocked(now)
	for i := 0; i < maxHeadRefresh; i++ {
		id, key, ok := e.q.Peek()
		if !ok {
			return nil, false
		}
		it := e.mustItemLocked(id, "")
		eff := e.effectiveLocked(it, now)
		if eff != key.Priority {
			e.q.Update(id, queue.Key{Priority: eff, Sequence: key.Sequence})
			continue
		}
		e.q.PopMax()
		return it, true
	}
	id, _, ok := e.q.PopMax()
	if !ok {
		return nil, false
	}
	return e.mustItemLocked(id, ""), true
}

func (e *Engine) grantLocked(ctx context.Context, it *models.Item, workerID string, ttl time.Duration, now time.Time) (*Grant, TelemetryEvent) {
	leaseID := uuid.NewString()
	expires := now.Add(ttl)
	e.setStateLocked(it, models.StateLeased, now, "leased", workerID)
	it.Lease = &models.Lease{ID: leaseID, WorkerID: workerID, LeasedAt: now, ExpiresAt: expires}
	e.leases.Add(&lease.Entry{LeaseID: leaseID, ItemID: it.ID, WorkerID: workerID, LeasedAt: now, ExpiresAt: expires})
	e.metrics.onLease(it.BasePriority, now.Sub(it.AdmittedAt))
	ev := e.recordLocked(ctx, audit.Event{
		Time: now, Type: "lease", ItemID: it.ID, LeaseID: leaseID,
		WorkerID: workerID, Priority: it.BasePriority.String(),
	})
	e.wakeReaper()
	return &Grant{LeaseID: leaseID, Item: it.Clone(), ExpiresAt: expires}, ev
}

// rollbackGrantLocked undoes an assignment whose waiter cancelled before
// observing it. The item returns to Pending without a retry increment.
func (e *Engine) rollbackGrantLocked(ctx context.Context, g *Grant, now time.Time) []TelemetryEvent {
	it, ok := e.items.Get(g.Item.ID)
	if !ok || it.State != models.StateLeased || it.Lease == nil || it.Lease.ID != g.LeaseID {
		return nil
	}
	e.leases.Remove(g.LeaseID)
	e.setStateLocked(it, models.StatePending, now, "lease_cancelled", "")
	it.Lease = nil
	e.q.Push(it.ID, queue.Key{Priority: e.effectiveLocked(it, now), Sequence: it.Sequence})
	evs := []TelemetryEvent{e.recordLocked(ctx, audit.Event{
		Time: now, Type: "lease_cancelled", ItemID: it.ID, LeaseID: g.LeaseID,
	})}
	return append(evs, e.serveWaitersLocked(ctx, now)...)
}

// serveWaitersLocked hands newly available items to blocked Lease callers in
// FIFO order.
func (e *Engine) serveWaitersLocked(ctx context.Context, now time.Time) []TelemetryEvent {
	var evs []TelemetryEvent
	for len(e.waiters) > 0 && e.q.Len() > 0 {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		if w.removed {
			continue
		}
		it, ok := e.popBestLocked(now)
		if !ok {
			break
		}
		g, ev := e.grantLocked(ctx, it, w.workerID, w.ttl, now)
		w.grant = g
		close(w.ready)
		evs = append(evs, ev)
	}
	return evs
}

// activeLeaseLocked resolves leaseID, distinguishing expired from unknown.
func (e *Engine) activeLeaseLocked(leaseID string) (*lease.Entry, error) {
	if entry, ok := e.leases.Get(leaseID); ok {
		return entry, nil
	}
	if _, ok := e.expiredLeases[leaseID]; ok {
		return nil, kindErr(KindLeaseExpired, "lease %s expired", leaseID)
	}
	return nil, kindErr(KindUnknownLease, "lease %s", leaseID)
}

// reapExpiredLocked reclaims every overdue lease: the item returns to
// Pending with a retry counted, or fails terminally past the retry cap.
func (e *Engine) reapExpiredLocked(ctx context.Context, now time.Time) []TelemetryEvent {
	expired := e.leases.PopExpired(now)
	if len(expired) == 0 {
		return nil
	}
	var evs []TelemetryEvent
	for _, entry := range expired {
		it, ok := e.items.Get(entry.ItemID)
		if !ok || it.State != models.StateLeased || it.Lease == nil || it.Lease.ID != entry.LeaseID {
			continue // already resolved concurrently; reap is idempotent
		}
		e.rememberExpiredLocked(entry.LeaseID, now)
		it.Retries++
		e.metrics.onLeaseExpired(it.BasePriority)
		limit := e.tun.Load().RetryCap
		if limit > 0 && it.Retries > limit {
			e.setStateLocked(it, models.StateFailed, now, "failed", fmt.Sprintf("retry cap %d exhausted after lease expiry", limit))
			it.Lease = nil
			e.metrics.onNackFailed(it.BasePriority, now.Sub(entry.LeasedAt))
		} else {
			e.setStateLocked(it, models.StatePending, now, "lease_expired", entry.WorkerID)
			it.Lease = nil
			e.q.Push(it.ID, queue.Key{Priority: e.effectiveLocked(it, now), Sequence: it.Sequence})
		}
		evs = append(evs, e.recordLocked(ctx, audit.Event{
			Time: now, Type: "lease_expired", ItemID: it.ID, LeaseID: entry.LeaseID,
			WorkerID: entry.WorkerID, Priority: it.BasePriority.String(),
		}))
	}
	return append(evs, e.serveWaitersLocked(ctx, now)...)
}

func (e *Engine) rememberExpiredLocked(leaseID string, now time.Time) {
	e.expiredLeases[leaseID] = now
	e.expiredOrder = append(e.expiredOrder, leaseID)
	for len(e.expiredOrder) > expiredLeaseMemory {
		old := e.expiredOrder[0]
		e.expiredOrder = e.expiredOrder[1:]
		delete(e.expiredLeases, old)
	}
}

// refreshAgingLocked re-keys every pending item whose recomputed effective
// priority drifted from its stored key. Shared by the background promotion
// tick and the lease-time freshness pass.
func (e *Engine) refreshAgingLocked(now time.Time) {
	type upd struct {
		id  string
		key queue.Key
	}
	var updates []upd
	e.q.Each(func(id string, k queue.Key) bool {
		it := e.mustItemLocked(id, "")
		eff := e.effectiveLocked(it, now)
		if eff != k.Priority {
			updates = append(updates, upd{id: id, key: queue.Key{Priority: eff, Sequence: k.Sequence}})
		}
		return true
	})
	for _, u := range updates {
		e.q.Update(u.id, u.key)
	}
}

// setStateLocked applies a lifecycle transition, enforcing terminal
// monotonicity and keeping state counts current.
func (e *Engine) setStateLocked(it *models.Item, next models.State, now time.Time, event, detail string) {
	if it.State.Terminal() {
		e.fatal("terminal item %s transitioning %s -> %s", it.ID, it.State, next)
		return
	}
	e.stateCounts[it.State]--
	e.stateCounts[next]++
	it.State = next
	if next.Terminal() {
		it.TerminalAt = now
		it.Lease = nil
	}
	it.History = append(it.History, models.HistoryEntry{At: now, Event: event, Detail: detail})
}

// mustItemLocked asserts the cross-reference invariant between the queue or
// lease table and the store. A miss is a bug, not a recoverable condition.
func (e *Engine) mustItemLocked(id, leaseID string) *models.Item {
	it, ok := e.items.Get(id)
	if !ok {
		e.fatal("item %s referenced by lease %q missing from store", id, leaseID)
		return &models.Item{ID: id, State: models.StateFailed}
	}
	return it
}

func (e *Engine) fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e.log.ErrorCtx(context.Background(), "invariant violation", "detail", msg)
	e.fatals.Add(1)
	panic("triage: invariant violation: " + msg)
}

func (e *Engine) depthByBandLocked() map[string]int {
	depth := map[string]int{"low": 0, "medium": 0, "high": 0, "urgent": 0}
	e.q.Each(func(id string, k queue.Key) bool {
		depth[models.Band(k.Priority)]++
		return true
	})
	return depth
}

func (e *Engine) stateCountsCopyLocked() map[models.State]int {
	out := make(map[models.State]int, len(e.stateCounts))
	for st, n := range e.stateCounts {
		out[st] = n
	}
	return out
}

func (e *Engine) refreshGaugesLocked() {
	e.metrics.setGauges(e.depthByBandLocked(), e.leases.Len(), e.stateCounts)
}

// recordLocked emits the audit event synchronously at the serialization
// point, publishes the bus event, and returns the reduced observer event.
// Audit failures are counted and logged, never propagated.
func (e *Engine) recordLocked(ctx context.Context, ev audit.Event) TelemetryEvent {
	traceID, _ := tracing.ExtractIDs(ctx)
	ev.TraceID = traceID
	if err := e.sink.Emit(ev); err != nil {
		e.metrics.onAuditFailure()
		e.log.WarnCtx(ctx, "audit sink emit failed", "type", ev.Type, "item", ev.ItemID, "error", err)
	}
	fields := map[string]interface{}{"item_id": ev.ItemID}
	if ev.LeaseID != "" {
		fields["lease_id"] = ev.LeaseID
	}
	if ev.WorkerID != "" {
		fields["worker_id"] = ev.WorkerID
	}
	if ev.Priority != "" {
		fields["priority"] = ev.Priority
	}
	_ = e.bus.PublishCtx(ctx, events.Event{
		Time: ev.Time, Category: events.CategoryTriage, Type: ev.Type, Severity: "info", Fields: fields,
	})
	return TelemetryEvent{Time: ev.Time, Category: events.CategoryTriage, Type: ev.Type, Severity: "info", Fields: fields}
}

// publishDetached publishes a bus event outside any operation.
func (e *Engine) publishDetached(ev events.Event) {
	_ = e.bus.Publish(ev)
	e.dispatch([]TelemetryEvent{{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, Fields: ev.Fields}})
}

// dispatch notifies observers after the originating operation released the
// engine mutex, preserving commit order per item.
func (e *Engine) dispatch(evs []TelemetryEvent) {
	if len(evs) == 0 {
		return
	}
	e.observersMu.RLock()
	observers := append([]EventObserver(nil), e.observers...)
	e.observersMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	for _, ev := range evs {
		for _, obs := range observers {
			func() {
				defer func() { _ = recover() }()
				obs(ev)
			}()
		}
	}
}

func (e *Engine) wakeReaper() {
	select {
	case e.reaperWake <- struct{}{}:
	default:
	}
}

// --- background tasks ---------------------------------------------------

func (e *Engine) agingLoop(ctx context.Context) {
	for {
		interval := e.tun.Load().AgingInterval
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
		}
		e.mu.Lock()
		now := e.clock.Now()
		e.ensureFreshKeysLocked(now)
		e.refreshGaugesLocked()
		e.mu.Unlock()
	}
}

func (e *Engine) reaperLoop(ctx context.Context) {
	for {
		e.mu.Lock()
		next, ok := e.leases.NextExpiry()
		e.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.reaperWake:
				continue
			}
		}
		d := next.Sub(e.clock.Now())
		if d < 0 {
			d = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-e.reaperWake:
			continue
		case <-e.clock.After(d):
		}
		e.mu.Lock()
		now := e.clock.Now()
		evs := e.reapExpiredLocked(context.Background(), now)
		e.refreshGaugesLocked()
		e.mu.Unlock()
		e.dispatch(evs)
	}
}

// healthProbes builds the subsystem probes evaluated by HealthSnapshot.
func (e *Engine) healthProbes() []health.Probe {
	storeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		used := e.items.Len()
		e.mu.Unlock()
		limit := e.cfg.MaxItems
		switch {
		case used >= limit:
			return health.Unhealthy("store", "at capacity")
		case used*10 >= limit*8:
			return health.Degraded("store", "above 80% capacity")
		}
		return health.Healthy("store")
	})
	leaseProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		next, ok := e.leases.NextExpiry()
		now := e.clock.Now()
		e.mu.Unlock()
		if ok && now.Sub(next) > 5*time.Second {
			return health.Degraded("leases", "reaper lagging behind expiries")
		}
		return health.Healthy("leases")
	})
	auditProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		failures := e.metrics.auditFailures
		e.mu.Unlock()
		if failures > 0 {
			return health.Degraded("audit", fmt.Sprintf("%d emit failures", failures))
		}
		return health.Healthy("audit")
	})
	return []health.Probe{storeProbe, leaseProbe, auditProbe}
}
