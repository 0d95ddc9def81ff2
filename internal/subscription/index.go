package subscription

import (
	"hash/fnv"
	"strings"
	"sync"
)

// DefaultShardCount is used when the configured shard count is zero.
const DefaultShardCount = 16

// Index is the reverse map from a target key ("stock:005930",
// "market:KOSPI", ...) to the set of subscribed connection ids. It is
// sharded by target hash so subscribe/unsubscribe churn on unrelated
// targets never contends on the same lock.
//
// The index stores connection ids only. It never owns connection objects;
// the connection manager is the sole owner and resolves ids at fan-out.
type Index struct {
	shards []*shard
}

type shard struct {
	mu      sync.RWMutex
	targets map[string]map[string]bool // target key -> conn id -> true
}

// NewIndex creates a sharded index with n buckets (DefaultShardCount when
// n <= 0).
func NewIndex(n int) *Index {
	if n <= 0 {
		n = DefaultShardCount
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{targets: make(map[string]map[string]bool)}
	}
	return &Index{shards: shards}
}

func (idx *Index) shardFor(target string) *shard {
	h := fnv.New32a()
	h.Write([]byte(target))
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

// Subscribe registers the connection for the target.
func (idx *Index) Subscribe(target, connID string) {
	s := idx.shardFor(target)
	s.mu.Lock()
	conns, ok := s.targets[target]
	if !ok {
		conns = make(map[string]bool)
		s.targets[target] = conns
	}
	conns[connID] = true
	s.mu.Unlock()
}

// Unsubscribe removes the connection from the target, lazily evicting the
// target entry when no subscribers remain.
func (idx *Index) Unsubscribe(target, connID string) {
	s := idx.shardFor(target)
	s.mu.Lock()
	if conns, ok := s.targets[target]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.targets, target)
		}
	}
	s.mu.Unlock()
}

// ConnectionsFor returns a snapshot of the connection ids subscribed to the
// target. The returned slice is owned by the caller.
func (idx *Index) ConnectionsFor(target string) []string {
	s := idx.shardFor(target)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns, ok := s.targets[target]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// RemoveConnection removes the connection from every target in the given
// list. Used on disconnect with the connection's own subscription snapshot
// so only the relevant shards are touched.
func (idx *Index) RemoveConnection(connID string, targets []string) {
	for _, target := range targets {
		idx.Unsubscribe(target, connID)
	}
}

// CountByType returns the number of live (target, connection) pairs grouped
// by the target type prefix. Stats endpoint only.
func (idx *Index) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, s := range idx.shards {
		s.mu.RLock()
		for target, conns := range s.targets {
			if i := strings.IndexByte(target, ':'); i > 0 {
				counts[target[:i]] += len(conns)
			}
		}
		s.mu.RUnlock()
	}
	return counts
}

// TargetCount returns the number of distinct targets with at least one
// subscriber.
func (idx *Index) TargetCount() int {
	total := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		total += len(s.targets)
		s.mu.RUnlock()
	}
	return total
}
