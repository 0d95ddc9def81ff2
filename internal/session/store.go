package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a session is absent or already expired.
// The connection manager maps it to SESSION_RESTORATION_FAILED.
var ErrNotFound = errors.New("session not found or expired")

// DefaultTTL is how long a disconnected client may reclaim its
// subscription state.
const DefaultTTL = 5 * time.Minute

// Session is the short-lived snapshot taken when a connection closes. At
// most one live session exists per original connection id.
type Session struct {
	ConnectionID  string              `json:"connection_id"`
	UserID        string              `json:"user_id,omitempty"`
	Subscriptions map[string][]string `json:"subscriptions"` // subscription type -> target ids
	LastSequence  uint64              `json:"last_sequence"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

// Store persists sessions between disconnect and reconnect. Take consumes:
// a successful reconnect deletes the session so it cannot be replayed.
type Store interface {
	Save(sess *Session) error
	Take(connectionID string) (*Session, error)
	Len() int
	Close() error
}

// MemoryStore keeps sessions in-process with a janitor goroutine reaping
// expired entries. Suitable for single-instance deployments and tests; the
// Redis store covers multi-instance reconnects.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a memory store; ttl <= 0 falls back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ms := &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go ms.janitor()
	return ms
}

// Save stores the session, overwriting any previous snapshot for the same
// connection id and stamping the expiry.
func (ms *MemoryStore) Save(sess *Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(ms.ttl)

	ms.mu.Lock()
	ms.sessions[sess.ConnectionID] = sess
	ms.mu.Unlock()
	return nil
}

// Take returns and deletes the session; expired sessions count as absent.
func (ms *MemoryStore) Take(connectionID string) (*Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sess, ok := ms.sessions[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(ms.sessions, connectionID)
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Len returns the number of stored (possibly expired, not yet reaped)
// sessions.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.sessions)
}

// Close stops the janitor.
func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() { close(ms.stop) })
	return nil
}

func (ms *MemoryStore) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			ms.mu.Lock()
			for id, sess := range ms.sessions {
				if now.After(sess.ExpiresAt) {
					delete(ms.sessions, id)
				}
			}
			ms.mu.Unlock()
		case <-ms.stop:
			return
		}
	}
}
