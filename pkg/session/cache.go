package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/collapp/panel/pkg/observability"
)

// Cache is a Redis read-through cache in front of a session Store. Lookups
// run on every authenticated request, so a hot session avoids a database
// round trip; writes and deletes go straight through and invalidate the
// cached copy.
type Cache struct {
	client *redis.Client
	store  Store
	ttl    time.Duration
	logger *observability.Logger
}

// NewCache creates a session cache. ttl caps how long a cached session may
// lag a database-side delete.
func NewCache(client *redis.Client, store Store, ttl time.Duration, logger *observability.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client: client,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(token string) string {
	return "session:" + token
}

// GetSession returns the session from Redis when cached, falling back to the
// store. Cache failures degrade to store lookups rather than failing the
// request.
func (c *Cache) GetSession(ctx context.Context, token string) (*Session, error) {
	data, err := c.client.Get(ctx, cacheKey(token)).Result()
	if err == nil {
		var sess Session
		if unmarshalErr := json.Unmarshal([]byte(data), &sess); unmarshalErr == nil {
			if sess.Expired() {
				c.client.Del(ctx, cacheKey(token))
				return nil, ErrNotFound
			}
			return &sess, nil
		}
		// Corrupt entry; drop it and fall through to the store.
		c.client.Del(ctx, cacheKey(token))
	} else if err != redis.Nil {
		c.logger.WithError(err).Warn("session cache read failed")
	}

	sess, err := c.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := c.put(ctx, sess); err != nil {
		c.logger.WithError(err).Warn("session cache write failed")
	}
	return sess, nil
}

// CreateSession writes through to the store and primes the cache.
func (c *Cache) CreateSession(ctx context.Context, s *Session) error {
	if err := c.store.CreateSession(ctx, s); err != nil {
		return err
	}
	if err := c.put(ctx, s); err != nil {
		c.logger.WithError(err).Warn("session cache write failed")
	}
	return nil
}

// DeleteSession removes the session from the store and the cache.
func (c *Cache) DeleteSession(ctx context.Context, token string) error {
	if err := c.store.DeleteSession(ctx, token); err != nil {
		return err
	}
	if err := c.client.Del(ctx, cacheKey(token)).Err(); err != nil {
		c.logger.WithError(err).Warn("session cache invalidation failed")
	}
	return nil
}

// DeleteExpiredSessions delegates to the store; cached copies age out via TTL.
func (c *Cache) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return c.store.DeleteExpiredSessions(ctx)
}

func (c *Cache) put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	ttl := c.ttl
	if remaining := time.Until(s.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, cacheKey(s.Token), data, ttl).Err()
}
