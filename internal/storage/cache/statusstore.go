package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedStatusStore is a decorator that adds read-aside caching to any StatusStore.
type CachedStatusStore struct {
	realStore registration.StatusStore
	cache     CacheClient
	ttl       time.Duration
	key       string
	logger    *slog.Logger

	// mu orders refills against invalidations. version counts writes so a
	// read that raced a write never refills the cache with what it saw.
	mu      sync.Mutex
	version uint64
}

// NewCachedStatusStore creates the decorator for one device's settings.
func NewCachedStatusStore(realStore registration.StatusStore, cache CacheClient, ttl time.Duration, deviceKey string, logger *slog.Logger) *CachedStatusStore {
	return &CachedStatusStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		key:       fmt.Sprintf("pushlink:settings:%s", deviceKey),
		logger:    logger.With("component", "CachedStatusStore"),
	}
}

// Read serves from cache when possible and refills it on a miss.
func (s *CachedStatusStore) Read(ctx context.Context) (registration.Settings, error) {
	var cached registration.Settings
	if err := s.cache.Get(ctx, s.key, &cached); err == nil {
		return cached, nil
	}

	s.mu.Lock()
	seen := s.version
	s.mu.Unlock()

	fresh, err := s.realStore.Read(ctx)
	if err != nil {
		return registration.Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != seen {
		s.logger.Debug("Settings changed during read, skipping cache refill")
		return fresh, nil
	}
	// A failed refill only costs the next read a trip to the store.
	if err := s.cache.Set(ctx, s.key, fresh, s.ttl); err != nil {
		s.logger.Debug("Cache refill failed", "err", err)
	}
	return fresh, nil
}

// Write goes to the store first, then invalidates the cached copy. A failed
// invalidation is logged; the durable write has already succeeded.
func (s *CachedStatusStore) Write(ctx context.Context, delta registration.Delta) error {
	if err := s.realStore.Write(ctx, delta); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	if err := s.cache.Del(ctx, s.key); err != nil {
		s.logger.Warn("Failed to invalidate cached settings", "key", s.key, "err", err)
	}
	return nil
}
