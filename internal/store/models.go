package store

import "time"

// Alert types supported by the engine.
const (
	AlertPriceAbove         = "PRICE_ABOVE"
	AlertPriceBelow         = "PRICE_BELOW"
	AlertVolumeSpike        = "VOLUME_SPIKE"
	AlertChangePercentAbove = "CHANGE_PERCENT_ABOVE"
	AlertChangePercentBelow = "CHANGE_PERCENT_BELOW"
)

// Notification priorities.
const (
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// Alert is a user-defined condition evaluated against the market snapshot.
// A non-recurring alert flips active -> inactive exactly once, at the same
// instant TriggeredAt is first set.
type Alert struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	StockCode      string     `json:"stock_code"`
	Type           string     `json:"alert_type"`
	ConditionValue float64    `json:"condition_value"` // always > 0
	IsActive       bool       `json:"is_active"`
	IsRecurring    bool       `json:"is_recurring"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty"`
	TriggeredValue *float64   `json:"triggered_value,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Notification is the persisted record produced by the dispatcher.
// Invariant: IsRead == false implies ReadAt == nil.
type Notification struct {
	ID        int64      `json:"id"`
	UserID    string     `json:"user_id"`
	AlertID   *int64     `json:"alert_id,omitempty"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Priority  string     `json:"priority"`
	IsRead    bool       `json:"is_read"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Preferences holds a user's delivery channel settings. Quiet hours
// suppress email/push (never in-app or storage) inside the window,
// interpreted in the user's timezone; the window may cross midnight.
type Preferences struct {
	UserID          string `json:"user_id"`
	InAppEnabled    bool   `json:"in_app_enabled"`
	EmailEnabled    bool   `json:"email_enabled"`
	PushEnabled     bool   `json:"push_enabled"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"` // "22:00"
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`   // "07:00"
	Timezone        string `json:"timezone,omitempty"`
}

// DefaultPreferences is used when a user has no stored preference row.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:       userID,
		InAppEnabled: true,
		EmailEnabled: false,
		PushEnabled:  false,
	}
}
