package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
)

// Cache is the subset of the Redis client used for cache-aside lookups.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// getOrLoad implements the cache-aside read path: return the cached value if
// present, otherwise call loader, repopulate the cache, and return the loaded
// value. Values are stored as JSON. Writers must invalidate explicitly via
// invalidate; there is no partial refresh.
func getOrLoad[T any](ctx context.Context, cache Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var result T

	cached, err := cache.Get(ctx, key)
	if err == nil {
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return result, nil
		}
		// Corrupt cache entry: fall through to the loader and overwrite.
	} else if !errors.Is(err, database.ErrCacheMiss) {
		return result, fmt.Errorf("cache read failed for %s: %w", key, err)
	}

	result, err = loader(ctx)
	if err != nil {
		return result, err
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("failed to serialize cache value for %s: %w", key, err)
	}

	if err := cache.Set(ctx, key, string(serialized), ttl); err != nil {
		return result, fmt.Errorf("cache write failed for %s: %w", key, err)
	}

	return result, nil
}

// invalidate removes cache keys after a mutation. It must run synchronously
// with the write so the next read rehydrates from the store.
func invalidate(ctx context.Context, cache Cache, keys ...string) error {
	if err := cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}
