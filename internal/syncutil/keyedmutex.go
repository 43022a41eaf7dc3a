// Package syncutil provides keyed mutual exclusion primitives.
package syncutil

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrBusy is returned when a lock cannot be acquired within the bounded wait.
var ErrBusy = errors.New("syncutil: lock busy")

// KeyedMutex provides a fixed-size pool of channel-based mutexes keyed by
// string, with bounded-wait acquisition. Bounded memory regardless of how
// many keys are seen, at the cost of occasional false sharing between keys
// that hash to the same shard.
type KeyedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// against timers and context cancellation.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new keyed mutex pool.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key, waiting at most maxWait.
// On success it returns an unlock function; the caller MUST invoke it on
// every exit path. If the lock is not acquired within maxWait it returns
// ErrBusy; on context cancellation it returns the context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string, maxWait time.Duration) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	// Fast path: uncontended.
	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
