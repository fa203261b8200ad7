// Package syncutil contains the in-memory locking primitives the memory
// stores use to mirror database row locking.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex hands out per-key locks backed by a fixed pool of
// channel-based mutexes. Acquisition honors context cancellation, which
// plain sync.Mutex cannot, so a caller queued behind a slow holder gives
// up when its request deadline passes. Keys hashing to the same shard
// contend with each other; that only costs latency, never correctness.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates the lock pool with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key and returns the unlock func, which the
// caller must run exactly once. While waiting, a cancelled ctx aborts
// the acquisition and returns the context's error instead.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
