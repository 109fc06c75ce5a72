// Package syncutil provides per-entity locking used to serialize the
// load/validate/mutate/persist cycle of a single escrow or packet.
package syncutil

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Waiters give up when their context is cancelled. Memory stays
// bounded regardless of how many entities are seen; keys that hash to the
// same shard contend with each other but never deadlock, since a caller
// holds at most one entity lock at a time.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a ready-to-use lock pool.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. On success the returned function
// releases it and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockEntity locks the entity identified by kind and numeric id,
// e.g. LockEntity(ctx, "escrow", 42).
func (m *ContextShardedMutex) LockEntity(ctx context.Context, kind string, id uint64) (func(), error) {
	return m.LockContext(ctx, EntityKey(kind, id))
}

// EntityKey formats the lock key for an entity.
func EntityKey(kind string, id uint64) string {
	return kind + ":" + strconv.FormatUint(id, 10)
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
