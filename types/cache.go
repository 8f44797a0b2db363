package types

import (
	"context"
	"time"
)

// NoExpiration stores an entry without a TTL. A zero TTL selects the store default.
const NoExpiration time.Duration = -1

// CacheStore is the key/value contract shared by the in-process and redis stores.
// Invalidate deletes every key that starts with one of the given prefixes; a trailing
// "*" on a pattern is accepted and ignored.
type CacheStore interface {
	LifecycleManager
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Invalidate(ctx context.Context, patterns ...string) error
}

type CacheStoreCreator func(config interface{}) (CacheStore, error)

type CacheEntry struct {
	Key       string        `json:"key"`
	Value     interface{}   `json:"value"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CachedResponse is what the response cache keeps for a GET route.
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
	ResultCount int    `json:"result_count"`
}

type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
