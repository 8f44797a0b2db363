package ratelimit

import (
	"context"
	"hash"
	"hash/fnv"
	"sync"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

const shardCount = 128

type rateWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	evicted bool
}

type rateShard struct {
	windows map[string]*rateWindow
	mu      sync.RWMutex
}

// MemoryBackend counts fixed windows in process. Identifiers are spread over
// shards; each window has its own mutex so only requests from the same
// identifier serialize.
type MemoryBackend struct {
	shards     [shardCount]*rateShard
	hasherPool sync.Pool
	now        func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{
		now: time.Now,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return fnv.New32a()
			},
		},
	}

	for i := range m.shards {
		m.shards[i] = &rateShard{windows: make(map[string]*rateWindow, 256)}
	}

	return m
}

func (m *MemoryBackend) Name() string { return "memory" }

// Take admits the request when the identifier's count is below limit. A window
// that has reached its reset time starts over at zero with a new reset time of
// now+window. Rejected requests are not counted.
func (m *MemoryBackend) Take(_ context.Context, identifier string, limit int, window time.Duration) (types.RateLimitResult, error) {
	for {
		w := m.window(identifier)
		now := m.now()

		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}

		if !now.Before(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(window)
		}

		allowed := w.count < limit
		if allowed {
			w.count++
		}

		result := types.RateLimitResult{
			Allowed:   allowed,
			Limit:     limit,
			Remaining: limit - w.count,
			ResetAt:   w.resetAt,
		}
		w.mu.Unlock()

		if result.Remaining < 0 {
			result.Remaining = 0
		}

		return result, nil
	}
}

// Sweep drops windows whose reset time has passed and returns how many were
// removed. Such windows would start over on the next request anyway.
func (m *MemoryBackend) Sweep() int {
	now := m.now()
	removed := 0

	for _, shard := range m.shards {
		shard.mu.Lock()
		for identifier, w := range shard.windows {
			w.mu.Lock()
			if !now.Before(w.resetAt) {
				w.evicted = true
				delete(shard.windows, identifier)
				removed++
			}
			w.mu.Unlock()
		}
		shard.mu.Unlock()
	}

	return removed
}

// Len returns the number of tracked identifiers.
func (m *MemoryBackend) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.windows)
		shard.mu.RUnlock()
	}
	return total
}

func (m *MemoryBackend) window(identifier string) *rateWindow {
	shard := m.shard(identifier)

	shard.mu.RLock()
	w, exists := shard.windows[identifier]
	shard.mu.RUnlock()
	if exists {
		return w
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if w, exists = shard.windows[identifier]; exists {
		return w
	}

	w = &rateWindow{}
	shard.windows[identifier] = w
	return w
}

func (m *MemoryBackend) shard(identifier string) *rateShard {
	hasher := m.hasherPool.Get().(hash.Hash32)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(identifier))

	return m.shards[hasher.Sum32()&(shardCount-1)]
}
