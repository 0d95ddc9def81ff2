package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of the repository interfaces
// for tests and local development without Postgres.
type MemoryStore struct {
	mu            sync.Mutex
	alerts        map[int64]*Alert
	notifications map[int64]*Notification
	preferences   map[string]*Preferences
	nextID        int64
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:        make(map[int64]*Alert),
		notifications: make(map[int64]*Notification),
		preferences:   make(map[string]*Preferences),
		nextID:        1,
	}
}

// PutAlert seeds or replaces an alert (test fixture helper).
func (ms *MemoryStore) PutAlert(a Alert) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if a.ID == 0 {
		a.ID = ms.nextID
		ms.nextID++
	} else if a.ID >= ms.nextID {
		ms.nextID = a.ID + 1
	}
	ms.alerts[a.ID] = &a
}

// GetAlert returns a copy of the alert (test inspection helper).
func (ms *MemoryStore) GetAlert(id int64) (Alert, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	a, ok := ms.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// PutPreferences seeds preferences for a user.
func (ms *MemoryStore) PutPreferences(p Preferences) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.preferences[p.UserID] = &p
}

// LoadActiveAlerts returns copies of every active alert.
func (ms *MemoryStore) LoadActiveAlerts(ctx context.Context) ([]Alert, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Alert
	for _, a := range ms.alerts {
		if a.IsActive {
			out = append(out, *a)
		}
	}
	return out, nil
}

// SaveAlertTrigger records the trigger atomically under the store lock.
func (ms *MemoryStore) SaveAlertTrigger(ctx context.Context, alertID int64, value float64, at time.Time, deactivate bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	a, ok := ms.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	a.TriggeredAt = &at
	a.TriggeredValue = &value
	if deactivate {
		a.IsActive = false
	}
	return nil
}

// CreateNotification stores the notification and assigns an id.
func (ms *MemoryStore) CreateNotification(ctx context.Context, n *Notification) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n.ID = ms.nextID
	ms.nextID++
	n.CreatedAt = time.Now()
	stored := *n
	ms.notifications[n.ID] = &stored
	return n.ID, nil
}

// MarkRead flips read state, preserving the read invariant.
func (ms *MemoryStore) MarkRead(ctx context.Context, notificationID int64, userID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n, ok := ms.notifications[notificationID]
	if !ok || n.UserID != userID || n.IsRead {
		return ErrNotFound
	}
	now := time.Now()
	n.IsRead = true
	n.ReadAt = &now
	return nil
}

// GetPreferences returns stored preferences or the defaults.
func (ms *MemoryStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if p, ok := ms.preferences[userID]; ok {
		copied := *p
		return &copied, nil
	}
	return DefaultPreferences(userID), nil
}

// Notifications returns copies of every stored notification for a user
// (test inspection helper).
func (ms *MemoryStore) Notifications(userID string) []Notification {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Notification
	for _, n := range ms.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	return out
}
