package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"market-stream-service/internal/market"
	"market-stream-service/internal/protocol"
)

const (
	// shared bus channel every instance publishes to and subscribes from
	busChannel = "stream:events"

	publishTimeout  = 2 * time.Second
	initialBackoff  = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
	seenCacheSize   = 16384
	seenCacheWindow = 2 * time.Minute
)

// Event is the bus wire format. Every event carries a unique id and the
// origin instance, so the originating instance can drop its own echo.
type Event struct {
	ID         string          `json:"id"`
	Origin     string          `json:"origin"`
	Kind       string          `json:"kind"` // price_update, orderbook_update, market_status, alert
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	UserID     string          `json:"user_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Deliverer is the local fan-out surface the bridge re-injects events into.
// The connection manager implements it.
type Deliverer interface {
	Deliver(targetKey string, msg *protocol.ServerMessage) int
	DeliverToUser(userID string, msg *protocol.ServerMessage) int
}

// Bridge is the cross-instance fan-out: locally originated events go to
// local connections immediately and onto the shared Redis bus; bus events
// are re-injected locally after an idempotency check, so each event id is
// applied at most once per instance regardless of the self-echo.
type Bridge struct {
	client     *redis.Client
	instanceID string
	local      Deliverer
	snapshot   *market.Snapshot

	sequence uint64 // atomic; bumps once per unique event applied locally

	seen *seenCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool
}

// New creates a bridge on an existing Redis client.
func New(client *redis.Client, local Deliverer, snapshot *market.Snapshot) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		local:      local,
		snapshot:   snapshot,
		seen:       newSeenCache(seenCacheSize, seenCacheWindow),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the bus subscription loop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.subscribeLoop()
	log.Printf("📡 Pub/sub bridge started (instance %s)", b.instanceID)
}

// CurrentSequence returns the number of unique events this instance has
// applied locally. Reconnecting clients use the gap as a missed-message
// estimate.
func (b *Bridge) CurrentSequence() uint64 {
	return atomic.LoadUint64(&b.sequence)
}

// Connected reports whether the bus subscription is currently live.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Publish assigns the event an id and origin, delivers it to local
// subscribers immediately, then fans it out across instances. A bus outage
// never loses same-instance delivery; cross-instance fan-out pauses until
// the subscription loop reconnects.
func (b *Bridge) Publish(evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.Origin = b.instanceID
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.applyLocal(evt)

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, busChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event to bus: %w", err)
	}
	return nil
}

// PublishPrice is the feed-facing helper: updates the snapshot and fans the
// quote out to stock subscribers.
func (b *Bridge) PublishPrice(q market.Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}
	return b.Publish(Event{
		Kind:       protocol.TypePriceUpdate,
		TargetType: string(protocol.SubscriptionStock),
		TargetID:   q.StockCode,
		Payload:    payload,
	})
}

// PublishAlert fans an alert trigger out to the owning user's connections
// on every instance (in-app delivery).
func (b *Bridge) PublishAlert(userID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	return b.Publish(Event{
		Kind:       protocol.TypeAlert,
		TargetType: "user",
		TargetID:   userID,
		UserID:     userID,
		Payload:    data,
	})
}

// applyLocal runs the idempotency check, bumps the bridge sequence, updates
// the market snapshot, and enqueues the event to local subscribers.
func (b *Bridge) applyLocal(evt Event) {
	if !b.seen.markSeen(evt.ID) {
		// already applied on this instance (self-echo or bus duplicate)
		return
	}
	atomic.AddUint64(&b.sequence, 1)

	if evt.Kind == protocol.TypePriceUpdate && len(evt.Payload) > 0 {
		var q market.Quote
		if err := json.Unmarshal(evt.Payload, &q); err == nil && q.StockCode != "" {
			b.snapshot.Update(q)
		} else if err != nil {
			log.Printf("⚠️ Dropping malformed price payload for %s: %v", evt.TargetID, err)
			return
		}
	}

	msg := &protocol.ServerMessage{
		Type:        evt.Kind,
		Data:        evt.Payload,
		Timestamp:   evt.Timestamp,
		CoalesceKey: evt.Kind + ":" + evt.TargetType + ":" + evt.TargetID,
	}

	if evt.TargetType == "user" {
		b.local.DeliverToUser(evt.UserID, msg)
		return
	}
	subType := protocol.SubscriptionType(evt.TargetType)
	if !subType.Valid() {
		log.Printf("⚠️ Dropping event %s with unknown target type %q", evt.ID, evt.TargetType)
		return
	}
	b.local.Deliver(protocol.TargetKey(subType, evt.TargetID), msg)
}

// subscribeLoop keeps the bus subscription alive with capped exponential
// backoff. The loop owns a dedicated goroutine per instance.
func (b *Bridge) subscribeLoop() {
	defer b.wg.Done()

	backoff := initialBackoff
	for {
		if b.ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(b.ctx, busChannel)
		// confirm the subscription before draining the channel
		if _, err := pubsub.Receive(b.ctx); err != nil {
			pubsub.Close()
			if b.ctx.Err() != nil {
				return
			}
			log.Printf("⚠️ Bus subscribe failed, retrying in %v: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-b.ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		b.connected.Store(true)
		backoff = initialBackoff
		log.Printf("📡 Subscribed to bus channel %s", busChannel)

		b.drain(pubsub)
		b.connected.Store(false)
		pubsub.Close()

		if b.ctx.Err() != nil {
			return
		}
		log.Printf("⚠️ Bus subscription lost, reconnecting in %v", backoff)
		select {
		case <-time.After(backoff):
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) drain(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("⚠️ Dropping malformed bus event: %v", err)
				continue
			}
			b.applyLocal(evt)
		case <-b.ctx.Done():
			return
		}
	}
}

// Stats returns bridge introspection for the stats endpoint.
func (b *Bridge) Stats() map[string]interface{} {
	return map[string]interface{}{
		"instance_id":    b.instanceID,
		"bus_connected":  b.Connected(),
		"event_sequence": b.CurrentSequence(),
		"seen_cache":     b.seen.len(),
	}
}

// Close stops the subscription loop and waits for it to exit.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	log.Printf("🛑 Pub/sub bridge stopped")
	return nil
}

// seenCache is a bounded, time-windowed set of applied event ids.
type seenCache struct {
	mu     sync.Mutex
	ids    map[string]time.Time
	max    int
	window time.Duration
}

func newSeenCache(max int, window time.Duration) *seenCache {
	return &seenCache{
		ids:    make(map[string]time.Time),
		max:    max,
		window: window,
	}
}

// markSeen records the id, returning false when it was already present
// inside the window.
func (sc *seenCache) markSeen(id string) bool {
	now := time.Now()
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if t, ok := sc.ids[id]; ok && now.Sub(t) < sc.window {
		return false
	}
	if len(sc.ids) >= sc.max {
		cutoff := now.Add(-sc.window)
		for k, t := range sc.ids {
			if t.Before(cutoff) {
				delete(sc.ids, k)
			}
		}
		// window sweep was not enough; reset rather than grow unbounded
		if len(sc.ids) >= sc.max {
			sc.ids = make(map[string]time.Time)
		}
	}
	sc.ids[id] = now
	return true
}

func (sc *seenCache) len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.ids)
}
