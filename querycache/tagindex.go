package querycache

import (
	"hash/fnv"
	"sync"
	"time"
)

const tagIndexShards = 64

type tagShard struct {
	mu   sync.Mutex
	tags map[string]map[string]time.Time
}

// TagIndex maps a tag to the set of cache keys computed under it. Each tag
// lives in one of a fixed number of shards so unrelated tags do not contend.
// A registration may carry a deadline after which Sweep forgets it; the zero
// deadline never expires.
type TagIndex struct {
	shards [tagIndexShards]*tagShard
}

func NewTagIndex() *TagIndex {
	idx := &TagIndex{}
	for i := range idx.shards {
		idx.shards[i] = &tagShard{tags: make(map[string]map[string]time.Time)}
	}
	return idx
}

func (idx *TagIndex) shard(tag string) *tagShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tag))
	return idx.shards[h.Sum32()%tagIndexShards]
}

// Register adds key under every tag without a deadline.
func (idx *TagIndex) Register(key string, tags ...string) {
	idx.RegisterUntil(key, time.Time{}, tags...)
}

// RegisterUntil adds key under every tag. An existing registration keeps the
// later of the two deadlines.
func (idx *TagIndex) RegisterUntil(key string, deadline time.Time, tags ...string) {
	for _, tag := range tags {
		if tag == "" {
			continue
		}

		s := idx.shard(tag)
		s.mu.Lock()
		keys, ok := s.tags[tag]
		if !ok {
			keys = make(map[string]time.Time)
			s.tags[tag] = keys
		}
		if current, exists := keys[key]; !exists || laterDeadline(deadline, current) {
			keys[key] = deadline
		}
		s.mu.Unlock()
	}
}

// Keys returns a snapshot of the keys registered under tag.
func (idx *TagIndex) Keys(tag string) []string {
	s := idx.shard(tag)
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.tags[tag]
	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	return out
}

// Remove drops tag from the index and returns the keys it covered.
func (idx *TagIndex) Remove(tag string) []string {
	s := idx.shard(tag)
	s.mu.Lock()
	keys := s.tags[tag]
	delete(s.tags, tag)
	s.mu.Unlock()

	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	return out
}

// Len returns the number of tags tracked.
func (idx *TagIndex) Len() int {
	total := 0
	for _, s := range idx.shards {
		s.mu.Lock()
		total += len(s.tags)
		s.mu.Unlock()
	}
	return total
}

// KeyCount returns the number of (tag, key) registrations.
func (idx *TagIndex) KeyCount() int {
	total := 0
	for _, s := range idx.shards {
		s.mu.Lock()
		for _, keys := range s.tags {
			total += len(keys)
		}
		s.mu.Unlock()
	}
	return total
}

// Sweep forgets registrations whose deadline is before now and drops tags left
// without keys. It returns the number of registrations removed.
func (idx *TagIndex) Sweep(now time.Time) int {
	removed := 0
	for _, s := range idx.shards {
		s.mu.Lock()
		for tag, keys := range s.tags {
			for key, deadline := range keys {
				if !deadline.IsZero() && deadline.Before(now) {
					delete(keys, key)
					removed++
				}
			}
			if len(keys) == 0 {
				delete(s.tags, tag)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func laterDeadline(candidate, current time.Time) bool {
	if current.IsZero() {
		return false
	}
	return candidate.IsZero() || candidate.After(current)
}
