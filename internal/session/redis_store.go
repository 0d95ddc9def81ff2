package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "session:"

// RedisStore keeps sessions in Redis with a TTL so a client can reconnect
// to any instance behind the load balancer. Values are JSON, keyed by the
// original connection id.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
}

// NewRedisStore creates a Redis-backed store on an existing client;
// ttl <= 0 falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		ctx:    context.Background(),
	}
}

// Save stores the session JSON with the store TTL; Redis expiry is the
// source of truth for the 5-minute window.
func (rs *RedisStore) Save(sess *Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(rs.ttl)

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := redisKeyPrefix + sess.ConnectionID
	if err := rs.client.Set(rs.ctx, key, data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Take fetches and deletes the session in one pipeline round-trip.
func (rs *RedisStore) Take(connectionID string) (*Session, error) {
	key := redisKeyPrefix + connectionID

	pipe := rs.client.TxPipeline()
	getCmd := pipe.Get(rs.ctx, key)
	pipe.Del(rs.ctx, key)
	if _, err := pipe.Exec(rs.ctx); err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to take session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(getCmd.Val()), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Len returns the number of live session keys. Stats endpoint only; SCAN
// would be preferable on very large keyspaces.
func (rs *RedisStore) Len() int {
	keys, err := rs.client.Keys(rs.ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return 0
	}
	return len(keys)
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (rs *RedisStore) Close() error {
	return nil
}
