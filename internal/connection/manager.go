package connection

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"market-stream-service/internal/auth"
	"market-stream-service/internal/protocol"
	"market-stream-service/internal/ratelimit"
	"market-stream-service/internal/session"
	"market-stream-service/internal/subscription"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Public market data; origin policy is enforced upstream
		return true
	},
	EnableCompression: true,
}

// SequenceSource reports the bridge's current event sequence, used to
// estimate how many events a reconnecting client missed. It is an
// estimate, not a replay guarantee.
type SequenceSource interface {
	CurrentSequence() uint64
}

type zeroSequence struct{}

func (zeroSequence) CurrentSequence() uint64 { return 0 }

// ManagerConfig holds the tunables the manager needs.
type ManagerConfig struct {
	BatchInterval  time.Duration
	AllowAnonymous bool
}

// Manager owns the lifecycle of every live connection: handshake,
// subscribe/unsubscribe, heartbeat, teardown. It is an explicitly
// constructed registry - built on server start, drained by Close().
type Manager struct {
	config   ManagerConfig
	index    *subscription.Index
	sessions session.Store
	limits   *ratelimit.Registry
	verifier *auth.Verifier

	mu          sync.RWMutex
	connections map[string]*Connection

	seqMu     sync.RWMutex
	seqSource SequenceSource
}

// NewManager creates the connection registry. verifier may be nil when the
// deployment has no auth service (all connections anonymous).
func NewManager(config ManagerConfig, index *subscription.Index, sessions session.Store, limits *ratelimit.Registry, verifier *auth.Verifier) *Manager {
	if config.BatchInterval <= 0 {
		config.BatchInterval = 30 * time.Millisecond
	}
	return &Manager{
		config:      config,
		index:       index,
		sessions:    sessions,
		limits:      limits,
		verifier:    verifier,
		connections: make(map[string]*Connection),
		seqSource:   zeroSequence{},
	}
}

// SetSequenceSource wires the bridge in after construction (the bridge
// needs the manager first).
func (m *Manager) SetSequenceSource(s SequenceSource) {
	m.seqMu.Lock()
	m.seqSource = s
	m.seqMu.Unlock()
}

func (m *Manager) currentSequence() uint64 {
	m.seqMu.RLock()
	defer m.seqMu.RUnlock()
	return m.seqSource.CurrentSequence()
}

// HandleWS upgrades the HTTP request and runs the connection until it
// disconnects. Invalid bearer tokens are rejected before the upgrade;
// anonymous connections are permitted for public data when configured.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if token := auth.TokenFromRequest(r); token != "" {
		if m.verifier == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := m.verifier.Verify(token)
		if err != nil {
			log.Printf("⚠️ WebSocket auth failed from %s: %v", r.RemoteAddr, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID = claims.UserID
	} else if !m.config.AllowAnonymous {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(uuid.NewString(), userID, ws, r.RemoteAddr)
	m.register(conn)
	log.Printf("🔌 Connection %s opened (user=%q, remote=%s)", conn.ID, userID, r.RemoteAddr)

	go conn.writePump(m.config.BatchInterval, func() { m.closeConnection(conn, ws) })

	conn.SendDirect(protocol.NewServerMessage(protocol.TypeConnected, map[string]interface{}{
		"connection_id":     conn.ID,
		"user_id":           userID,
		"batch_interval_ms": m.config.BatchInterval.Milliseconds(),
	}))

	if sid := r.URL.Query().Get("session_id"); sid != "" {
		m.restoreSession(conn, sid)
	}

	m.readPump(conn, ws)
	m.closeConnection(conn, ws)
}

func (m *Manager) register(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()
}

// readPump is the connection's single reader goroutine.
func (m *Manager) readPump(conn *Connection, ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ Read error on connection %s: %v", conn.ID, err)
			}
			return
		}
		conn.touch()

		// inbound rate limit: drop the message, keep the connection
		if !m.limits.Allow(conn.ID) {
			conn.SendDirect(protocol.NewErrorMessage(protocol.CodeRateLimitExceeded,
				"inbound message rate limit exceeded", nil))
			continue
		}

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			conn.SendDirect(protocol.NewErrorMessage(protocol.CodeInvalidMessage, err.Error(), nil))
			continue
		}

		switch msg.Type {
		case protocol.TypeSubscribe:
			m.subscribe(conn, msg.SubscriptionType, msg.Targets)
		case protocol.TypeUnsubscribe:
			m.unsubscribe(conn, msg.SubscriptionType, msg.Targets)
		case protocol.TypePing:
			conn.SendDirect(protocol.NewServerMessage(protocol.TypePong, nil))
		case protocol.TypeRefreshToken:
			m.refreshToken(conn, msg.Token)
		case protocol.TypeReconnect:
			m.restoreSession(conn, msg.SessionID)
		case protocol.TypeFreeze:
			conn.setFrozen(true)
		case protocol.TypeResume:
			conn.setFrozen(false)
		}
	}
}

// subscribe updates the connection-local set and the index inside the same
// critical section so neither is ever visible without the other, then acks
// with the echoed target list.
func (m *Manager) subscribe(conn *Connection, subType protocol.SubscriptionType, targets []string) {
	conn.mu.Lock()
	added := conn.addSubscriptions(subType, targets)
	for _, t := range added {
		m.index.Subscribe(protocol.TargetKey(subType, t), conn.ID)
	}
	total := len(conn.subs[subType])
	conn.mu.Unlock()

	conn.SendDirect(protocol.NewServerMessage(protocol.TypeSubscribed, map[string]interface{}{
		"subscription_type": subType,
		"targets":           targets,
		"total_subscribed":  total,
	}))
	log.Printf("📊 Connection %s subscribed to %d %s targets", conn.ID, len(added), subType)
}

func (m *Manager) unsubscribe(conn *Connection, subType protocol.SubscriptionType, targets []string) {
	conn.mu.Lock()
	removed := conn.removeSubscriptions(subType, targets)
	for _, t := range removed {
		m.index.Unsubscribe(protocol.TargetKey(subType, t), conn.ID)
	}
	total := len(conn.subs[subType])
	conn.mu.Unlock()

	conn.SendDirect(protocol.NewServerMessage(protocol.TypeUnsubscribed, map[string]interface{}{
		"subscription_type": subType,
		"targets":           targets,
		"total_subscribed":  total,
	}))
}

func (m *Manager) refreshToken(conn *Connection, token string) {
	if m.verifier == nil {
		conn.SendDirect(protocol.NewErrorMessage(protocol.CodeTokenRefreshError,
			"token refresh not supported", nil))
		return
	}
	claims, err := m.verifier.Verify(token)
	if err != nil {
		conn.SendDirect(protocol.NewErrorMessage(protocol.CodeTokenRefreshError, err.Error(), nil))
		return
	}

	conn.mu.Lock()
	conn.UserID = claims.UserID
	conn.mu.Unlock()

	conn.SendDirect(protocol.NewServerMessage(protocol.TypeConnected, map[string]interface{}{
		"connection_id":   conn.ID,
		"user_id":         claims.UserID,
		"token_refreshed": true,
	}))
}

// restoreSession consumes a stored session and re-subscribes its snapshot.
// Absent or expired sessions leave the connection open; the client must
// resubscribe from scratch.
func (m *Manager) restoreSession(conn *Connection, sessionID string) {
	sess, err := m.sessions.Take(sessionID)
	if err != nil {
		conn.SendDirect(protocol.NewErrorMessage(protocol.CodeSessionRestorationFailed,
			fmt.Sprintf("session %s not found or expired", sessionID), nil))
		return
	}

	conn.mu.Lock()
	if conn.UserID == "" {
		conn.UserID = sess.UserID
	}
	restored := 0
	for subTypeStr, ids := range sess.Subscriptions {
		subType := protocol.SubscriptionType(subTypeStr)
		if !subType.Valid() {
			continue
		}
		added := conn.addSubscriptions(subType, ids)
		for _, t := range added {
			m.index.Subscribe(protocol.TargetKey(subType, t), conn.ID)
		}
		restored += len(added)
	}
	conn.mu.Unlock()

	var missed uint64
	if cur := m.currentSequence(); cur > sess.LastSequence {
		missed = cur - sess.LastSequence
	}

	conn.SendDirect(protocol.NewServerMessage(protocol.TypeReconnected, map[string]interface{}{
		"session_id":       sessionID,
		"subscriptions":    sess.Subscriptions,
		"restored_targets": restored,
		"missed_estimate":  missed,
	}))
	log.Printf("🔄 Connection %s restored session %s (%d targets, ~%d missed)", conn.ID, sessionID, restored, missed)
}

// closeConnection tears the connection down exactly once: index cleanup,
// session snapshot, limiter release, pump shutdown.
func (m *Manager) closeConnection(conn *Connection, w wire) {
	conn.closed.Do(func() {
		m.mu.Lock()
		delete(m.connections, conn.ID)
		m.mu.Unlock()

		conn.mu.Lock()
		keys := conn.targetKeys()
		snapshot := conn.subscriptionSnapshot()
		userID := conn.UserID
		conn.mu.Unlock()

		m.index.RemoveConnection(conn.ID, keys)
		m.limits.Release(conn.ID)

		if len(snapshot) > 0 || userID != "" {
			sess := &session.Session{
				ConnectionID:  conn.ID,
				UserID:        userID,
				Subscriptions: snapshot,
				LastSequence:  m.currentSequence(),
			}
			if err := m.sessions.Save(sess); err != nil {
				log.Printf("⚠️ Failed to save session for connection %s: %v", conn.ID, err)
			}
		}

		close(conn.done)
		w.Close()
		log.Printf("🔌 Connection %s closed after %v (%d messages)", conn.ID, time.Since(conn.createdAt), conn.messageCount)
	})
}

// Deliver enqueues the message to every connection subscribed to the
// target key. Each connection has its own queue; ordering is per-connection
// only.
func (m *Manager) Deliver(targetKey string, msg *protocol.ServerMessage) int {
	ids := m.index.ConnectionsFor(targetKey)
	if len(ids) == 0 {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	delivered := 0
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conn.Enqueue(msg)
			delivered++
		}
	}
	return delivered
}

// DeliverToUser enqueues the message to every open connection authenticated
// as the user (in-app notification path). Zero connections is not an error.
func (m *Manager) DeliverToUser(userID string, msg *protocol.ServerMessage) int {
	if userID == "" {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivered := 0
	for _, conn := range m.connections {
		conn.mu.Lock()
		match := conn.UserID == userID
		conn.mu.Unlock()
		if match {
			conn.Enqueue(msg)
			delivered++
		}
	}
	return delivered
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Stats returns the introspection payload for the stats endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	queued := 0
	for _, conn := range m.connections {
		queued += conn.QueueDepth()
	}
	active := len(m.connections)
	m.mu.RUnlock()

	ratePerSec, burst := m.limits.Settings()

	return map[string]interface{}{
		"active_connections":    active,
		"subscriptions_by_type": m.index.CountByType(),
		"unique_targets":        m.index.TargetCount(),
		"queued_messages":       queued,
		"stored_sessions":       m.sessions.Len(),
		"config": map[string]interface{}{
			"batch_interval_ms":     m.config.BatchInterval.Milliseconds(),
			"allow_anonymous":       m.config.AllowAnonymous,
			"rate_limit_per_second": ratePerSec,
			"rate_limit_burst":      burst,
		},
	}
}

// ConnectionList returns the read-only per-connection listing consumed by
// the external admin surface.
func (m *Manager) ConnectionList() []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(m.connections))
	for _, conn := range m.connections {
		conn.mu.Lock()
		entry := map[string]interface{}{
			"connection_id": conn.ID,
			"user_id":       conn.UserID,
			"subscriptions": conn.subscriptionSnapshot(),
			"message_count": conn.messageCount,
			"last_activity": conn.lastActivity.Format(time.RFC3339),
			"connected_at":  conn.createdAt.Format(time.RFC3339),
			"frozen":        conn.frozen,
			"queue_depth":   conn.QueueDepth(),
		}
		conn.mu.Unlock()
		out = append(out, entry)
	}
	return out
}

// Close drains the registry: every live connection is closed and its
// session snapshotted.
func (m *Manager) Close() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.closeConnection(conn, conn.conn)
	}
	log.Printf("🛑 Connection manager drained (%d connections closed)", len(conns))
}
