package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"market-stream-service/internal/alert"
	"market-stream-service/internal/store"
)

const (
	maxAttempts    = 3
	initialBackoff = 1 * time.Second
	attemptTimeout = 5 * time.Second
)

// ChannelSender is the external delivery adapter (SMTP, push provider).
// Both calls must respect the context deadline; the dispatcher treats a
// timeout as a failed attempt.
type ChannelSender interface {
	SendEmail(ctx context.Context, userID string, n store.Notification) error
	SendPush(ctx context.Context, userID string, n store.Notification) error
}

// InAppPublisher pushes a notification to the user's open connections
// across all instances. The pub/sub bridge implements it.
type InAppPublisher interface {
	PublishAlert(userID string, payload interface{}) error
}

// Dispatcher turns alert trigger events into persisted notifications and
// pushes them through the user's enabled channels. The notification row is
// always persisted first; channel outcomes never lose it.
type Dispatcher struct {
	notifications store.NotificationRepository
	prefs         store.PreferenceRepository
	inApp         InAppPublisher
	channels      ChannelSender

	// now is swappable for quiet-hours tests
	now func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. channels may be nil when no external
// adapters are configured (in-app and storage only).
func NewDispatcher(notifications store.NotificationRepository, prefs store.PreferenceRepository, inApp InAppPublisher, channels ChannelSender) *Dispatcher {
	return &Dispatcher{
		notifications: notifications,
		prefs:         prefs,
		inApp:         inApp,
		channels:      channels,
		now:           time.Now,
	}
}

// Dispatch persists the notification and attempts delivery on each enabled
// channel independently. Returns the stored notification id; the only
// error path is a failed insert.
func (d *Dispatcher) Dispatch(ctx context.Context, evt alert.TriggerEvent) (int64, error) {
	alertID := evt.Alert.ID
	n := &store.Notification{
		UserID:   evt.Alert.UserID,
		AlertID:  &alertID,
		Type:     "alert",
		Title:    fmt.Sprintf("%s alert for %s", evt.Alert.Type, evt.Alert.StockCode),
		Message:  triggerMessage(evt),
		Priority: store.PriorityHigh,
	}

	id, err := d.notifications.CreateNotification(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("failed to persist notification: %w", err)
	}

	prefs, err := d.prefs.GetPreferences(ctx, n.UserID)
	if err != nil {
		log.Printf("⚠️ Failed to load preferences for user %s, using defaults: %v", n.UserID, err)
		prefs = store.DefaultPreferences(n.UserID)
	}

	// in-app: synchronous best-effort; a user with no open connection just
	// finds the stored notification later
	if prefs.InAppEnabled && d.inApp != nil {
		if err := d.inApp.PublishAlert(n.UserID, n); err != nil {
			log.Printf("⚠️ In-app delivery failed for notification %d: %v", id, err)
		}
	}

	quiet := inQuietHours(prefs, d.now())
	if quiet {
		log.Printf("🔕 Quiet hours for user %s, suppressing email/push for notification %d", n.UserID, id)
	}

	if d.channels != nil && !quiet {
		if prefs.EmailEnabled {
			d.deliverAsync("email", id, func(ctx context.Context) error {
				return d.channels.SendEmail(ctx, n.UserID, *n)
			})
		}
		if prefs.PushEnabled {
			d.deliverAsync("push", id, func(ctx context.Context) error {
				return d.channels.SendPush(ctx, n.UserID, *n)
			})
		}
	}

	return id, nil
}

// deliverAsync retries the channel send with bounded backoff on its own
// goroutine; exhaustion is surfaced only as a log line.
func (d *Dispatcher) deliverAsync(channel string, notificationID int64, send func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		backoff := initialBackoff
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
			lastErr = send(ctx)
			cancel()
			if lastErr == nil {
				return
			}
			if attempt < maxAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		log.Printf("⚠️ %s delivery failed for notification %d after %d attempts: %v",
			channel, notificationID, maxAttempts, lastErr)
	}()
}

// Wait blocks until all in-flight channel deliveries finish (shutdown).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func triggerMessage(evt alert.TriggerEvent) string {
	a := evt.Alert
	switch a.Type {
	case store.AlertPriceAbove:
		return fmt.Sprintf("%s reached %.2f (threshold %.2f)", a.StockCode, evt.Value, a.ConditionValue)
	case store.AlertPriceBelow:
		return fmt.Sprintf("%s dropped to %.2f (threshold %.2f)", a.StockCode, evt.Value, a.ConditionValue)
	case store.AlertVolumeSpike:
		return fmt.Sprintf("%s volume is %.1fx its rolling average (threshold %.1fx)", a.StockCode, evt.Value, a.ConditionValue)
	case store.AlertChangePercentAbove:
		return fmt.Sprintf("%s is up %.2f%% today (threshold %.2f%%)", a.StockCode, evt.Value, a.ConditionValue)
	case store.AlertChangePercentBelow:
		return fmt.Sprintf("%s is down %.2f%% today (threshold %.2f%%)", a.StockCode, evt.Value, a.ConditionValue)
	default:
		return fmt.Sprintf("%s condition met at %.2f", a.StockCode, evt.Value)
	}
}

// inQuietHours reports whether the instant falls inside the user's quiet
// window, interpreted in the user's timezone. The window may cross
// midnight; an unset or unparsable window is never quiet.
func inQuietHours(p *store.Preferences, at time.Time) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, err := time.Parse("15:04", p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", p.QuietHoursEnd)
	if err != nil {
		return false
	}

	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}

	local := at.In(loc)
	nowMin := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// window crosses midnight, e.g. 22:00 - 07:00
	return nowMin >= startMin || nowMin < endMin
}
