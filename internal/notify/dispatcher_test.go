package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-stream-service/internal/alert"
	"market-stream-service/internal/store"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads []interface{}
	err      error
}

func (f *fakePublisher) PublishAlert(userID string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeChannels struct {
	mu         sync.Mutex
	emails     int
	pushes     int
	emailFails int // fail the first N email attempts
}

func (f *fakeChannels) SendEmail(ctx context.Context, userID string, n store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails++
	if f.emails <= f.emailFails {
		return errors.New("smtp unavailable")
	}
	return nil
}

func (f *fakeChannels) SendPush(ctx context.Context, userID string, n store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return nil
}

func (f *fakeChannels) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emails, f.pushes
}

func triggerEvent(userID string) alert.TriggerEvent {
	return alert.TriggerEvent{
		Alert: store.Alert{
			ID: 7, UserID: userID, StockCode: "RELIANCE",
			Type: store.AlertPriceAbove, ConditionValue: 2500,
		},
		Value: 2600,
		At:    time.Now(),
	}
}

func TestDispatchPersistsFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	inApp := &fakePublisher{}
	d := NewDispatcher(ms, ms, inApp, nil)

	id, err := d.Dispatch(context.Background(), triggerEvent("user-1"))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	notifs := ms.Notifications("user-1")
	require.Len(t, notifs, 1)
	n := notifs[0]
	assert.Equal(t, "alert", n.Type)
	assert.Equal(t, store.PriorityHigh, n.Priority)
	assert.Contains(t, n.Title, "PRICE_ABOVE")
	assert.Contains(t, n.Title, "RELIANCE")
	assert.Contains(t, n.Message, "2600.00")
	require.NotNil(t, n.AlertID)
	assert.Equal(t, int64(7), *n.AlertID)
	assert.False(t, n.IsRead)

	// defaults enable in-app only
	assert.Equal(t, 1, inApp.count())
}

func TestDispatchInAppFailureDoesNotLoseNotification(t *testing.T) {
	ms := store.NewMemoryStore()
	inApp := &fakePublisher{err: errors.New("bus down")}
	d := NewDispatcher(ms, ms, inApp, nil)

	id, err := d.Dispatch(context.Background(), triggerEvent("user-1"))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.Len(t, ms.Notifications("user-1"), 1)
}

func TestDispatchEnabledChannels(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutPreferences(store.Preferences{
		UserID: "user-1", InAppEnabled: true, EmailEnabled: true, PushEnabled: true,
	})
	channels := &fakeChannels{}
	d := NewDispatcher(ms, ms, &fakePublisher{}, channels)

	_, err := d.Dispatch(context.Background(), triggerEvent("user-1"))
	require.NoError(t, err)
	d.Wait()

	emails, pushes := channels.counts()
	assert.Equal(t, 1, emails)
	assert.Equal(t, 1, pushes)
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutPreferences(store.Preferences{UserID: "user-1", EmailEnabled: true})
	channels := &fakeChannels{emailFails: 2}
	d := NewDispatcher(ms, ms, nil, channels)

	_, err := d.Dispatch(context.Background(), triggerEvent("user-1"))
	require.NoError(t, err)
	d.Wait()

	emails, _ := channels.counts()
	assert.Equal(t, 3, emails, "two failures then a success")
}

func TestDispatchExhaustsRetries(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutPreferences(store.Preferences{UserID: "user-1", EmailEnabled: true})
	channels := &fakeChannels{emailFails: 100}
	d := NewDispatcher(ms, ms, nil, channels)

	_, err := d.Dispatch(context.Background(), triggerEvent("user-1"))
	require.NoError(t, err)
	d.Wait()

	emails, _ := channels.counts()
	assert.Equal(t, maxAttempts, emails)
	// the stored notification survives the failed delivery
	assert.Len(t, ms.Notifications("user-1"), 1)
}

func TestQuietHoursSuppressEmailAndPushOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutPreferences(store.Preferences{
		UserID: "user-1", InAppEnabled: true, EmailEnabled: true, PushEnabled: true,
		QuietHoursStart: "22:00", QuietHoursEnd: "07:00", Timezone: "UTC",
	})
	channels := &fakeChannels{}
	inApp := &fakePublisher{}
	d := NewDispatcher(ms, ms, inApp, channels)
	d.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	}

	_, err := d.Dispatch(context.Background(), triggerEvent("user-1"))
	require.NoError(t, err)
	d.Wait()

	emails, pushes := channels.counts()
	assert.Equal(t, 0, emails)
	assert.Equal(t, 0, pushes)
	assert.Equal(t, 1, inApp.count(), "in-app is never suppressed")
	assert.Len(t, ms.Notifications("user-1"), 1)
}

func TestInQuietHours(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}

	cases := []struct {
		name  string
		prefs store.Preferences
		when  time.Time
		want  bool
	}{
		{"no window", store.Preferences{}, at(3, 0), false},
		{"inside same-day window", store.Preferences{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}, at(12, 0), true},
		{"outside same-day window", store.Preferences{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}, at(18, 0), false},
		{"start is inclusive", store.Preferences{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}, at(9, 0), true},
		{"end is exclusive", store.Preferences{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}, at(17, 0), false},
		{"midnight window, before midnight", store.Preferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}, at(23, 0), true},
		{"midnight window, after midnight", store.Preferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}, at(6, 59), true},
		{"midnight window, daytime", store.Preferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}, at(12, 0), false},
		{"degenerate equal window", store.Preferences{QuietHoursStart: "09:00", QuietHoursEnd: "09:00"}, at(9, 0), false},
		{"unparsable start", store.Preferences{QuietHoursStart: "late", QuietHoursEnd: "07:00"}, at(3, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prefs := tc.prefs
			assert.Equal(t, tc.want, inQuietHours(&prefs, tc.when))
		})
	}
}

func TestInQuietHoursTimezone(t *testing.T) {
	prefs := &store.Preferences{
		QuietHoursStart: "22:00", QuietHoursEnd: "07:00",
		Timezone: "Asia/Kolkata", // UTC+5:30
	}

	// 18:00 UTC is 23:30 IST: quiet
	assert.True(t, inQuietHours(prefs, time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)))
	// 08:00 UTC is 13:30 IST: not quiet
	assert.False(t, inQuietHours(prefs, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)))
}

func TestTriggerMessagePerType(t *testing.T) {
	mk := func(typ string, cond, value float64) string {
		return triggerMessage(alert.TriggerEvent{
			Alert: store.Alert{StockCode: "TCS", Type: typ, ConditionValue: cond},
			Value: value,
		})
	}

	assert.Contains(t, mk(store.AlertPriceAbove, 100, 110), "reached")
	assert.Contains(t, mk(store.AlertPriceBelow, 100, 90), "dropped")
	assert.Contains(t, mk(store.AlertVolumeSpike, 3, 4.2), "rolling average")
	assert.Contains(t, mk(store.AlertChangePercentAbove, 5, 6), "up")
	assert.Contains(t, mk(store.AlertChangePercentBelow, -5, -6), "down")
	assert.Contains(t, mk("UNKNOWN", 1, 2), "condition met")
}
