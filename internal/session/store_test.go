package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndTake(t *testing.T) {
	ms := NewMemoryStore(time.Minute)
	defer ms.Close()

	err := ms.Save(&Session{
		ConnectionID: "conn-1",
		UserID:       "user-1",
		Subscriptions: map[string][]string{
			"stock": {"RELIANCE", "TCS"},
		},
		LastSequence: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ms.Len())

	sess, err := ms.Take("conn-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, uint64(42), sess.LastSequence)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, sess.Subscriptions["stock"])
	assert.False(t, sess.ExpiresAt.IsZero())
}

func TestTakeConsumes(t *testing.T) {
	ms := NewMemoryStore(time.Minute)
	defer ms.Close()

	require.NoError(t, ms.Save(&Session{ConnectionID: "conn-1"}))

	_, err := ms.Take("conn-1")
	require.NoError(t, err)

	_, err = ms.Take("conn-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, ms.Len())
}

func TestTakeMissing(t *testing.T) {
	ms := NewMemoryStore(time.Minute)
	defer ms.Close()

	_, err := ms.Take("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTakeExpired(t *testing.T) {
	ms := NewMemoryStore(10 * time.Millisecond)
	defer ms.Close()

	require.NoError(t, ms.Save(&Session{ConnectionID: "conn-1"}))
	time.Sleep(30 * time.Millisecond)

	_, err := ms.Take("conn-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	ms := NewMemoryStore(time.Minute)
	defer ms.Close()

	require.NoError(t, ms.Save(&Session{ConnectionID: "conn-1", LastSequence: 1}))
	require.NoError(t, ms.Save(&Session{ConnectionID: "conn-1", LastSequence: 7}))
	assert.Equal(t, 1, ms.Len())

	sess, err := ms.Take("conn-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sess.LastSequence)
}

func TestZeroTTLUsesDefault(t *testing.T) {
	ms := NewMemoryStore(0)
	defer ms.Close()

	require.NoError(t, ms.Save(&Session{ConnectionID: "conn-1"}))
	sess, err := ms.Take("conn-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), sess.ExpiresAt, 5*time.Second)
}
