package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is a process-local Store backed by ttlcache.
type MemoryStore struct {
	c *ttlcache.Cache[string, string]
}

// NewMemoryStore returns an in-memory store. capacity 0 means unbounded;
// otherwise the least recently used entry is evicted once it is reached.
func NewMemoryStore(capacity uint64) *MemoryStore {
	opts := []ttlcache.Option[string, string]{
		// hits must not extend the lifetime of an entry
		ttlcache.WithDisableTouchOnHit[string, string](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, string](capacity))
	}
	return &MemoryStore{c: ttlcache.New(opts...)}
}

// Run evicts expired entries in the background until ctx is cancelled.
// Get already hides expired entries, so Run only bounds memory.
func (s *MemoryStore) Run(ctx context.Context) error {
	go s.c.Start()
	<-ctx.Done()
	s.c.Stop()
	return ctx.Err()
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	item := s.c.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	s.c.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

// Len returns the number of entries, including ones not yet swept.
func (s *MemoryStore) Len() int {
	return s.c.Len()
}
