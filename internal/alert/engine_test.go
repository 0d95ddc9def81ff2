package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-stream-service/internal/market"
	"market-stream-service/internal/store"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []TriggerEvent
	block  chan struct{} // when set, Dispatch blocks until closed
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, evt TriggerEvent) (int64, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
	return int64(len(d.events)), nil
}

func (d *recordingDispatcher) fired() []TriggerEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TriggerEvent, len(d.events))
	copy(out, d.events)
	return out
}

func newTestEngine() (*Engine, *store.MemoryStore, *market.Snapshot, *recordingDispatcher) {
	repo := store.NewMemoryStore()
	snapshot := market.NewSnapshot()
	dispatcher := &recordingDispatcher{}
	return NewEngine(repo, snapshot, dispatcher, time.Minute), repo, snapshot, dispatcher
}

func TestNonRecurringFiresOnceAndDeactivates(t *testing.T) {
	engine, repo, snapshot, dispatcher := newTestEngine()

	repo.PutAlert(store.Alert{
		ID: 1, UserID: "user-1", StockCode: "RELIANCE",
		Type: store.AlertPriceAbove, ConditionValue: 2500,
		IsActive: true, IsRecurring: false,
	})
	snapshot.Update(market.Quote{StockCode: "RELIANCE", Price: 2600})

	engine.RunTick(context.Background())

	events := dispatcher.fired()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Alert.ID)
	assert.Equal(t, 2600.0, events[0].Value)
	assert.False(t, events[0].Alert.IsActive)
	require.NotNil(t, events[0].Alert.TriggeredValue)
	assert.Equal(t, 2600.0, *events[0].Alert.TriggeredValue)

	stored, ok := repo.GetAlert(1)
	require.True(t, ok)
	assert.False(t, stored.IsActive)
	assert.NotNil(t, stored.TriggeredAt)

	// condition still true on the next tick; the alert is inactive now
	engine.RunTick(context.Background())
	assert.Len(t, dispatcher.fired(), 1)
}

func TestRecurringIsEdgeTriggered(t *testing.T) {
	engine, repo, snapshot, dispatcher := newTestEngine()

	repo.PutAlert(store.Alert{
		ID: 1, UserID: "user-1", StockCode: "TCS",
		Type: store.AlertVolumeSpike, ConditionValue: 3,
		IsActive: true, IsRecurring: true,
	})

	// establish a volume baseline, then spike it
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 3000, Volume: 1000})
	prime := snapshot.AvgVolume("TCS")
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 3000, Volume: int64(prime * 10)})

	// three consecutive ticks with the condition true: exactly one trigger
	engine.RunTick(context.Background())
	engine.RunTick(context.Background())
	engine.RunTick(context.Background())
	assert.Len(t, dispatcher.fired(), 1)

	stored, _ := repo.GetAlert(1)
	assert.True(t, stored.IsActive, "recurring alerts stay active")

	// condition observed false: the alert re-arms
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 3000, Volume: 1})
	engine.RunTick(context.Background())
	assert.Len(t, dispatcher.fired(), 1)

	// next true edge fires again
	avg := snapshot.AvgVolume("TCS")
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 3000, Volume: int64(avg * 10)})
	engine.RunTick(context.Background())
	assert.Len(t, dispatcher.fired(), 2)
}

func TestMissingQuoteStaysArmed(t *testing.T) {
	engine, repo, snapshot, dispatcher := newTestEngine()

	repo.PutAlert(store.Alert{
		ID: 1, StockCode: "UNSEEN", Type: store.AlertPriceAbove,
		ConditionValue: 10, IsActive: true,
	})

	engine.RunTick(context.Background())
	assert.Empty(t, dispatcher.fired())

	// data arrives later; the alert fires
	snapshot.Update(market.Quote{StockCode: "UNSEEN", Price: 11})
	engine.RunTick(context.Background())
	assert.Len(t, dispatcher.fired(), 1)
}

func TestDisabledAlertPruned(t *testing.T) {
	engine, repo, snapshot, dispatcher := newTestEngine()

	repo.PutAlert(store.Alert{
		ID: 1, StockCode: "TCS", Type: store.AlertPriceAbove,
		ConditionValue: 100, IsActive: true, IsRecurring: true,
	})
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 200})

	engine.RunTick(context.Background())
	require.Len(t, dispatcher.fired(), 1)
	assert.Equal(t, 1, engine.Stats()["disarmed"])

	// user disables the alert between ticks
	a, _ := repo.GetAlert(1)
	a.IsActive = false
	repo.PutAlert(a)

	engine.RunTick(context.Background())
	assert.Len(t, dispatcher.fired(), 1)
	assert.Equal(t, 0, engine.Stats()["disarmed"], "stale armed state is pruned")
}

func TestOneBadAlertDoesNotAbortTick(t *testing.T) {
	engine, repo, snapshot, dispatcher := newTestEngine()

	repo.PutAlert(store.Alert{
		ID: 1, StockCode: "TCS", Type: "BOGUS_TYPE",
		ConditionValue: 1, IsActive: true,
	})
	repo.PutAlert(store.Alert{
		ID: 2, StockCode: "TCS", Type: store.AlertPriceAbove,
		ConditionValue: 100, IsActive: true,
	})
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 150})

	engine.RunTick(context.Background())

	events := dispatcher.fired()
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Alert.ID)
}

func TestOverlappingTickSkipped(t *testing.T) {
	repo := store.NewMemoryStore()
	snapshot := market.NewSnapshot()
	dispatcher := &recordingDispatcher{block: make(chan struct{})}
	engine := NewEngine(repo, snapshot, dispatcher, time.Minute)

	repo.PutAlert(store.Alert{
		ID: 1, StockCode: "TCS", Type: store.AlertPriceAbove,
		ConditionValue: 100, IsActive: true,
	})
	snapshot.Update(market.Quote{StockCode: "TCS", Price: 150})

	done := make(chan struct{})
	go func() {
		engine.RunTick(context.Background())
		close(done)
	}()

	// wait for the first tick to be inside Dispatch, then overlap it
	assert.Eventually(t, func() bool {
		return engine.Stats()["ticks_run"].(int64) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	engine.RunTick(context.Background())
	assert.Equal(t, int64(1), engine.Stats()["ticks_skipped"])

	close(dispatcher.block)
	<-done
	assert.Len(t, dispatcher.fired(), 1)
}
