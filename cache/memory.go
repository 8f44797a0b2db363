package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	DefaultTTL             = 1 * time.Hour
	DefaultCleanupInterval = 5 * time.Minute
)

type MemoryConfig struct {
	DefaultTTL      time.Duration `json:"default_ttl"`
	MaxEntries      int           `json:"max_entries"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// MemoryStore is the in-process CacheStore. Expired entries are dropped lazily
// on read and by a periodic sweep; when MaxEntries is reached the oldest entry
// is evicted first.
type MemoryStore struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *MemoryConfig
	logger      types.Logger
	data        map[string]*types.CacheEntry
	hits        uint64
	misses      uint64
	evictions   uint64
	mu          sync.RWMutex
	state       atomic.Value
	cleanupDone chan struct{}
	now         func() time.Time
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*MemoryStore, error) {
	var memConfig = &MemoryConfig{
		DefaultTTL:      DefaultTTL,
		CleanupInterval: DefaultCleanupInterval,
	}

	if config != nil {
		if config.DefaultTTL > 0 {
			memConfig.DefaultTTL = config.DefaultTTL
		}
		if config.CleanupInterval > 0 {
			memConfig.CleanupInterval = config.CleanupInterval
		}
		memConfig.MaxEntries = config.MaxEntries
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &MemoryStore{
		ctx:    storeCtx,
		cancel: cancel,
		config: memConfig,
		logger: logger,
		data:   make(map[string]*types.CacheEntry),
		now:    time.Now,
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

// NewMemoryStoreFromParams decodes a free-form parameter block, as used by
// registered store creators.
func NewMemoryStoreFromParams(ctx context.Context, logger types.Logger, params interface{}) (*MemoryStore, error) {
	memConfig := &MemoryConfig{}
	if params != nil {
		if err := utils.UnmarshalConfig(params, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	return NewMemoryStore(ctx, logger, &types.CacheConfig{
		Type:            "memory",
		DefaultTTL:      memConfig.DefaultTTL,
		MaxEntries:      memConfig.MaxEntries,
		CleanupInterval: memConfig.CleanupInterval,
	})
}

func (m *MemoryStore) Get(_ context.Context, key string) (interface{}, bool, error) {
	now := m.now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false, nil
	}

	if entry.Expired(now) {
		m.mu.RUnlock()

		m.mu.Lock()
		if current, ok := m.data[key]; ok && current.Expired(now) {
			delete(m.data, key)
		}
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false, nil
	}

	value := entry.Value
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)
	return value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	now := m.now()
	entry := &types.CacheEntry{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOneUnsafe()
		}
	}

	m.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, patterns ...string) error {
	prefixList, all := prefixes(patterns)
	if !all && len(prefixList) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.data {
		if all || hasAnyPrefix(key, prefixList) {
			delete(m.data, key)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("Cache entries invalidated",
			zap.Strings("patterns", patterns),
			zap.Int("removed", removed))
	}

	return nil
}

func (m *MemoryStore) Stats() types.CacheStats {
	m.mu.RLock()
	entries := len(m.data)
	m.mu.RUnlock()

	return types.CacheStats{
		Entries:   entries,
		Hits:      atomic.LoadUint64(&m.hits),
		Misses:    atomic.LoadUint64(&m.misses),
		Evictions: atomic.LoadUint64(&m.evictions),
	}
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory store is already running")
		return types.ErrServerAlreadyRunning
	}

	if m.config.CleanupInterval > 0 {
		m.cleanupDone = make(chan struct{})
		go m.cleanupRoutine(m.cleanupDone)
	}

	m.transitionState(MemoryStateStarting, MemoryStateRunning)
	m.logger.Info("Memory store started",
		zap.Duration("default_ttl", m.config.DefaultTTL),
		zap.Int("max_entries", m.config.MaxEntries))
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory store is not running")
		return types.ErrServerNotRunning
	}

	defer m.transitionState(MemoryStateStopping, MemoryStateStopped)

	m.cancel()

	if m.cleanupDone != nil {
		select {
		case <-m.cleanupDone:
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cleanup routine stop timeout")
		}
	}

	m.mu.Lock()
	cleared := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.mu.Unlock()

	m.logger.Info("Memory store stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryStore) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryStore) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

// Cleanup removes every expired entry and returns how many were dropped.
func (m *MemoryStore) Cleanup() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for key, entry := range m.data {
		if entry.Expired(now) {
			delete(m.data, key)
			expired++
		}
	}

	return expired
}

func (m *MemoryStore) cleanupRoutine(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if expired := m.Cleanup(); expired > 0 {
				m.logger.Debug("Cleanup completed", zap.Int("expired_entries", expired))
			}
		}
	}
}

func (m *MemoryStore) evictOneUnsafe() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.data {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		delete(m.data, oldestKey)
		atomic.AddUint64(&m.evictions, 1)
	}
}
