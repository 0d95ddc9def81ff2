package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Registry hands out one token bucket per connection and releases it on
// disconnect. Buckets refill continuously (rate tokens/sec) up to burst.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

// NewRegistry creates a registry with the given sustained rate and burst
// capacity per connection.
func NewRegistry(perSecond float64, burst int) *Registry {
	return &Registry{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow consumes one token for the connection, creating its bucket on first
// use. Returns false when the bucket is empty; the caller drops the message
// and keeps the connection open.
func (r *Registry) Allow(connID string) bool {
	r.mu.Lock()
	limiter, ok := r.buckets[connID]
	if !ok {
		limiter = rate.NewLimiter(r.rate, r.burst)
		r.buckets[connID] = limiter
	}
	r.mu.Unlock()

	return limiter.Allow()
}

// Release drops the connection's bucket.
func (r *Registry) Release(connID string) {
	r.mu.Lock()
	delete(r.buckets, connID)
	r.mu.Unlock()
}

// Settings returns the configured per-connection rate and burst.
func (r *Registry) Settings() (perSecond float64, burst int) {
	return float64(r.rate), r.burst
}

// Len returns the number of live buckets (stats endpoint).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
