package alert

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"market-stream-service/internal/market"
	"market-stream-service/internal/store"
)

// DefaultInterval is the evaluation cadence when none is configured.
const DefaultInterval = 60 * time.Second

// tickTimeout bounds one full evaluation pass, including repository I/O.
const tickTimeout = 30 * time.Second

// TriggerEvent is emitted exactly once per qualifying crossing and consumed
// by the notification dispatcher.
type TriggerEvent struct {
	Alert store.Alert
	Value float64
	At    time.Time
}

// Dispatcher consumes trigger events.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt TriggerEvent) (int64, error)
}

// Engine scans active alerts against the market snapshot on a fixed
// interval. Recurring alerts are edge-triggered: after a trigger, the
// predicate must be observed false at least once before the alert can fire
// again, so a condition that stays true across ticks fires exactly once.
type Engine struct {
	repo       store.AlertRepository
	snapshot   *market.Snapshot
	dispatcher Dispatcher
	interval   time.Duration

	scheduler *gocron.Scheduler

	// single-flight guard: an overlapping tick is skipped, never queued
	ticking int32

	// alert ids that have fired and not yet seen a false evaluation
	disarmedMu sync.Mutex
	disarmed   map[int64]bool

	// counters for the stats endpoint
	ticksRun      int64
	ticksSkipped  int64
	triggersFired int64
}

// NewEngine creates the engine; interval <= 0 falls back to DefaultInterval.
func NewEngine(repo store.AlertRepository, snapshot *market.Snapshot, dispatcher Dispatcher, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		repo:       repo,
		snapshot:   snapshot,
		dispatcher: dispatcher,
		interval:   interval,
		disarmed:   make(map[int64]bool),
	}
}

// Start schedules the periodic evaluation job.
func (e *Engine) Start() {
	e.scheduler = gocron.NewScheduler(time.UTC)
	e.scheduler.Every(e.interval).Do(func() {
		e.RunTick(context.Background())
	})
	e.scheduler.StartAsync()
	log.Printf("⏰ Alert engine started (interval %v)", e.interval)
}

// Stop stops the scheduler. An in-flight tick finishes; it is bounded by
// the finite alert set and the tick timeout.
func (e *Engine) Stop() {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	log.Printf("🛑 Alert engine stopped")
}

// RunTick performs one evaluation pass. Safe to call directly (tests, admin
// trigger); the single-flight guard drops the call when a pass is running.
func (e *Engine) RunTick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		atomic.AddInt64(&e.ticksSkipped, 1)
		log.Printf("⚠️ Alert tick still in progress, skipping this interval")
		return
	}
	defer atomic.StoreInt32(&e.ticking, 0)
	atomic.AddInt64(&e.ticksRun, 1)

	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	alerts, err := e.repo.LoadActiveAlerts(ctx)
	if err != nil {
		log.Printf("⚠️ Failed to load active alerts: %v", err)
		return
	}

	activeIDs := make(map[int64]bool, len(alerts))
	for _, a := range alerts {
		activeIDs[a.ID] = true
		e.evaluateOne(ctx, a)
	}
	e.pruneDisarmed(activeIDs)
}

// evaluateOne evaluates a single alert; any failure is isolated here so one
// bad alert never aborts the tick for the others.
func (e *Engine) evaluateOne(ctx context.Context, a store.Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ Panic evaluating alert %d (%s %s): %v", a.ID, a.Type, a.StockCode, r)
		}
	}()

	q, ok := e.snapshot.Get(a.StockCode)
	if !ok {
		// no data yet for this stock; the alert stays armed
		return
	}

	met, value, err := Evaluate(a, q, e.snapshot.AvgVolume(a.StockCode))
	if err != nil {
		log.Printf("⚠️ Failed to evaluate alert %d (%s %s): %v", a.ID, a.Type, a.StockCode, err)
		return
	}

	if !met {
		// observed false: re-arm so the next true edge can fire
		e.disarmedMu.Lock()
		delete(e.disarmed, a.ID)
		e.disarmedMu.Unlock()
		return
	}

	e.disarmedMu.Lock()
	alreadyFired := e.disarmed[a.ID]
	if !alreadyFired {
		e.disarmed[a.ID] = true
	}
	e.disarmedMu.Unlock()
	if alreadyFired {
		// condition has stayed true since the last trigger; edge-triggered
		// alerts wait for a false observation before firing again
		return
	}

	now := time.Now()
	deactivate := !a.IsRecurring
	if err := e.repo.SaveAlertTrigger(ctx, a.ID, value, now, deactivate); err != nil {
		log.Printf("⚠️ Failed to persist trigger for alert %d: %v", a.ID, err)
		// roll back the armed bit so the trigger is not silently lost
		e.disarmedMu.Lock()
		delete(e.disarmed, a.ID)
		e.disarmedMu.Unlock()
		return
	}
	atomic.AddInt64(&e.triggersFired, 1)

	a.IsActive = a.IsRecurring
	a.TriggeredAt = &now
	a.TriggeredValue = &value
	if _, err := e.dispatcher.Dispatch(ctx, TriggerEvent{Alert: a, Value: value, At: now}); err != nil {
		log.Printf("⚠️ Failed to dispatch trigger for alert %d: %v", a.ID, err)
	}
}

// pruneDisarmed drops armed-state entries for alerts that are no longer
// active (deleted, disabled, or non-recurring after firing).
func (e *Engine) pruneDisarmed(activeIDs map[int64]bool) {
	e.disarmedMu.Lock()
	for id := range e.disarmed {
		if !activeIDs[id] {
			delete(e.disarmed, id)
		}
	}
	e.disarmedMu.Unlock()
}

// Stats returns engine introspection for the stats endpoint.
func (e *Engine) Stats() map[string]interface{} {
	e.disarmedMu.Lock()
	disarmed := len(e.disarmed)
	e.disarmedMu.Unlock()

	return map[string]interface{}{
		"interval":       e.interval.String(),
		"ticks_run":      atomic.LoadInt64(&e.ticksRun),
		"ticks_skipped":  atomic.LoadInt64(&e.ticksSkipped),
		"triggers_fired": atomic.LoadInt64(&e.triggersFired),
		"disarmed":       disarmed,
	}
}
