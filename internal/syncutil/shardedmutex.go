// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex provides a fixed-size pool of read/write mutexes keyed by
// string. Memory stays bounded however many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.RWMutex
}

// Lock acquires the exclusive lock for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[Shard(key)]
	mu.Lock()
	return mu.Unlock
}

// RLock acquires the shared lock for key and returns its unlock function.
func (s *ShardedMutex) RLock(key string) func() {
	mu := &s.shards[Shard(key)]
	mu.RLock()
	return mu.RUnlock
}

// Shard returns the shard index key maps to.
func Shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
