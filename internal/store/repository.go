package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row is absent.
var ErrNotFound = errors.New("record not found")

// AlertRepository is the alert persistence boundary. The CRUD surface for
// creating/editing alerts is owned by an external service; this core only
// loads active alerts and records triggers.
type AlertRepository interface {
	// LoadActiveAlerts returns every alert with is_active = true.
	LoadActiveAlerts(ctx context.Context) ([]Alert, error)

	// SaveAlertTrigger records triggered_at/triggered_value and, when
	// deactivate is set (non-recurring alerts), flips is_active to false in
	// the same statement.
	SaveAlertTrigger(ctx context.Context, alertID int64, value float64, at time.Time, deactivate bool) error
}

// NotificationRepository persists notifications and read-state transitions.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n *Notification) (int64, error)

	// MarkRead sets is_read and read_at together so the
	// is_read=false => read_at IS NULL invariant always holds.
	MarkRead(ctx context.Context, notificationID int64, userID string) error
}

// PreferenceRepository reads per-user delivery preferences. A missing row
// yields DefaultPreferences, never an error.
type PreferenceRepository interface {
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
}
