package doctors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Source loads doctors from authoritative storage.
type Source interface {
	Get(ctx context.Context, id uuid.UUID) (*Doctor, error)
}

// Cache is a Redis-backed read-through cache over the doctors repository.
// It is injected into consumers; invalidation is explicit, there is no
// module-level cache state.
type Cache struct {
	source Source
	client *redis.Client
	ttl    time.Duration
}

func NewCache(source Source, client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{source: source, client: client, ttl: ttl}
}

func cacheKey(id uuid.UUID) string {
	return "doctor:" + id.String()
}

// Get returns the cached doctor, loading from the source on a miss. Cache
// errors degrade to a source read, never to a failure.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
		if err == nil {
			var d Doctor
			if jsonErr := json.Unmarshal(raw, &d); jsonErr == nil {
				return &d, nil
			}
		}
	}

	d, err := c.source.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("doctors: load %s: %w", id, err)
	}
	if d == nil {
		return nil, nil
	}
	if c.client != nil {
		if raw, err := json.Marshal(d); err == nil {
			c.client.Set(ctx, cacheKey(id), raw, c.ttl)
		}
	}
	return d, nil
}

// Invalidate drops the cached entry for a doctor.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) {
	if c.client == nil {
		return
	}
	c.client.Del(ctx, cacheKey(id))
}
