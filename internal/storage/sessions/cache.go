package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/data-platform/dataset-upload/internal/domain"
)

// Cache is the volatile companion to the repository. Writes are best-effort:
// a cache failure never fails the request, it only costs a database read.
type Cache struct {
	client *redis.Client
}

// NewCache creates a session cache on the given redis client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func cacheKey(id string) string {
	return "session:" + id
}

// Get returns the cached session, or nil on miss or cache failure.
func (c *Cache) Get(ctx context.Context, id string) *domain.Session {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		return nil
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

// Set stores the session until its expiry.
func (c *Cache) Set(ctx context.Context, s *domain.Session) {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(s.ID), data, ttl).Err()
}

// Invalidate drops the cached session. Called on every status transition.
// Best-effort: on failure the next Load falls through to the database.
func (c *Cache) Invalidate(ctx context.Context, id string) {
	_ = c.client.Del(ctx, cacheKey(id)).Err()
}
