package connection

import (
	"log"
	"sync"
	"time"

	"market-stream-service/internal/protocol"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size (a subscribe with 100 targets fits)
	maxMessageSize = 8192

	// Pending-queue capacity per connection; overflow drops the oldest
	// queued message so a stalled client cannot pin memory
	maxPendingQueue = 1024

	// Direct-channel capacity for acks/errors/pongs
	directBufferSize = 64
)

// wire is the minimal transport surface the connection writes to. The
// production implementation is *websocket.Conn; tests substitute a fake.
type wire interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// pingWriter matches gorilla's ping frame constant without importing the
// websocket package here.
const pingMessage = 9

// Connection is one live client. All transport writes funnel through its
// single writer goroutine; concurrent producers only enqueue.
type Connection struct {
	ID     string
	UserID string

	conn wire

	mu     sync.Mutex
	subs   map[protocol.SubscriptionType]map[string]bool
	frozen bool

	queueMu sync.Mutex
	pending []*protocol.ServerMessage
	dropped int64

	direct chan *protocol.ServerMessage
	done   chan struct{}
	closed sync.Once

	sequence     uint64
	messageCount int64
	lastActivity time.Time
	createdAt    time.Time

	remoteAddr string
}

func newConnection(id, userID string, w wire, remoteAddr string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		UserID:       userID,
		conn:         w,
		subs:         make(map[protocol.SubscriptionType]map[string]bool),
		direct:       make(chan *protocol.ServerMessage, directBufferSize),
		done:         make(chan struct{}),
		lastActivity: now,
		createdAt:    now,
		remoteAddr:   remoteAddr,
	}
}

// Enqueue appends a fan-out message to the pending queue for the next batch
// flush. Frozen connections silently drop; a full queue drops the oldest
// entry to keep the newest data flowing.
func (c *Connection) Enqueue(msg *protocol.ServerMessage) {
	c.mu.Lock()
	frozen := c.frozen
	c.mu.Unlock()
	if frozen {
		return
	}

	c.queueMu.Lock()
	if len(c.pending) >= maxPendingQueue {
		c.pending = c.pending[1:]
		c.dropped++
		if c.dropped%100 == 1 {
			log.Printf("⚠️ Connection %s pending queue full, dropped %d messages total", c.ID, c.dropped)
		}
	}
	c.pending = append(c.pending, msg)
	c.queueMu.Unlock()
}

// SendDirect routes an ack/error/pong to the writer loop, bypassing the
// batch queue but sharing the sequence counter. Non-blocking: a wedged
// writer means the connection is already on its way out.
func (c *Connection) SendDirect(msg *protocol.ServerMessage) {
	select {
	case c.direct <- msg:
	case <-c.done:
	default:
		log.Printf("⚠️ Connection %s direct channel full, dropping %s frame", c.ID, msg.Type)
	}
}

// writePump is the connection's single writer goroutine: batch flush every
// interval, direct frames as they arrive, pings on the heartbeat period.
// Exactly one flush runs at a time because only this goroutine flushes.
func (c *Connection) writePump(batchInterval time.Duration, onExit func()) {
	flushTicker := time.NewTicker(batchInterval)
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		flushTicker.Stop()
		pingTicker.Stop()
		onExit()
	}()

	for {
		select {
		case <-flushTicker.C:
			if !c.flushPending() {
				return
			}

		case msg := <-c.direct:
			if !c.writeFrame(msg) {
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(pingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// final flush so close-time acks are not lost
			c.flushPending()
			return
		}
	}
}

// flushPending drains the queue, coalesces repeated updates for the same
// target to the latest value (first-appearance order preserved), and writes
// one batch frame - or the single message unwrapped. Returns false on a
// transport error.
func (c *Connection) flushPending() bool {
	c.queueMu.Lock()
	if len(c.pending) == 0 {
		c.queueMu.Unlock()
		return true
	}
	drained := c.pending
	c.pending = nil
	c.queueMu.Unlock()

	msgs := coalesce(drained)

	if len(msgs) == 1 {
		// shallow copy: the queued message may be shared across connections
		single := *msgs[0]
		return c.writeFrame(&single)
	}

	batch := &protocol.ServerMessage{
		Type:      protocol.TypeBatch,
		BatchSize: len(msgs),
		Messages:  msgs,
		Timestamp: time.Now().UnixMilli(),
	}
	return c.writeFrame(batch)
}

// writeFrame stamps the connection-scoped sequence and writes the frame.
// Must only be called from the writer goroutine.
func (c *Connection) writeFrame(msg *protocol.ServerMessage) bool {
	c.sequence++
	msg.Sequence = c.sequence
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("⚠️ Failed to write to connection %s: %v", c.ID, err)
		return false
	}
	return true
}

// coalesce keeps the latest message per coalesce key while preserving the
// order of first appearance; keyless messages pass through untouched.
func coalesce(msgs []*protocol.ServerMessage) []*protocol.ServerMessage {
	out := msgs[:0]
	byKey := make(map[string]int)
	for _, msg := range msgs {
		if msg.CoalesceKey == "" {
			out = append(out, msg)
			continue
		}
		if i, ok := byKey[msg.CoalesceKey]; ok {
			out[i] = msg
			continue
		}
		byKey[msg.CoalesceKey] = len(out)
		out = append(out, msg)
	}
	return out
}

// addSubscriptions records targets in the connection-local set, returning
// the target keys that were actually new. Caller holds the index update in
// the same critical section (see Manager.subscribe).
func (c *Connection) addSubscriptions(subType protocol.SubscriptionType, targets []string) []string {
	set, ok := c.subs[subType]
	if !ok {
		set = make(map[string]bool)
		c.subs[subType] = set
	}
	var added []string
	for _, t := range targets {
		if !set[t] {
			set[t] = true
			added = append(added, t)
		}
	}
	return added
}

// removeSubscriptions drops targets from the local set, returning the
// target ids actually removed.
func (c *Connection) removeSubscriptions(subType protocol.SubscriptionType, targets []string) []string {
	set, ok := c.subs[subType]
	if !ok {
		return nil
	}
	var removed []string
	for _, t := range targets {
		if set[t] {
			delete(set, t)
			removed = append(removed, t)
		}
	}
	return removed
}

// targetKeys returns every subscription as an index key. Caller holds c.mu.
func (c *Connection) targetKeys() []string {
	var keys []string
	for subType, set := range c.subs {
		for id := range set {
			keys = append(keys, protocol.TargetKey(subType, id))
		}
	}
	return keys
}

// subscriptionSnapshot copies the per-type subscription sets (session
// snapshot, stats). Caller holds c.mu.
func (c *Connection) subscriptionSnapshot() map[string][]string {
	snap := make(map[string][]string, len(c.subs))
	for subType, set := range c.subs {
		if len(set) == 0 {
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		snap[string(subType)] = ids
	}
	return snap
}

// touch updates the last-activity timestamp and message counter.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.messageCount++
	c.mu.Unlock()
}

// setFrozen toggles the client-requested delivery pause. Subscriptions and
// index entries stay intact; only enqueueing is suppressed.
func (c *Connection) setFrozen(frozen bool) {
	c.mu.Lock()
	c.frozen = frozen
	c.mu.Unlock()
}

// QueueDepth returns the number of messages waiting for the next flush.
func (c *Connection) QueueDepth() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.pending)
}
