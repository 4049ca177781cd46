// Package syncutil has locking helpers shared by the stores and the session
// manager.
package syncutil

import (
	"context"
	"hash/maphash"
	"sync"
)

const shardCount = 256

// KeyedMutex serializes work per string key (a wallet address, say) using a
// fixed pool of channel locks. Memory stays bounded no matter how many keys
// are seen; keys that share a shard also share a lock. The zero value is
// ready to use.
type KeyedMutex struct {
	once   sync.Once
	seed   maphash.Seed
	shards [shardCount]chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		m.seed = maphash.MakeSeed()
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	m.init()
	return m.shards[maphash.String(m.seed, key)%shardCount]
}

// Lock blocks until key's lock is held and returns its release func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
