package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// cachedExperience is the cache wire shape. broker.Experience deliberately
// never serializes its Open Cloud key, so the cache carries its own struct.
type cachedExperience struct {
	ID              uint64 `json:"id"`
	OpenCloudAPIKey string `json:"open_cloud_api_key"`
}

// redisClient defines the interface we need from go-redis. This allows us to
// use a fake in tests.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedResolver is a read-through Redis cache in front of another
// IdentityResolver. Only API-key lookups are cached: they sit on the Begin
// hot path, while lookups by id serve the rare privileged endpoints.
// Misses are not negatively cached.
type CachedResolver struct {
	next   broker.IdentityResolver
	client redisClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedResolver is the constructor for the CachedResolver.
func NewCachedResolver(next broker.IdentityResolver, client redisClient, ttl time.Duration, logger zerolog.Logger) (*CachedResolver, error) {
	if next == nil {
		return nil, fmt.Errorf("wrapped resolver cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &CachedResolver{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "CachedResolver").Logger(),
	}, nil
}

// ExperienceByID delegates to the wrapped resolver.
func (c *CachedResolver) ExperienceByID(ctx context.Context, id uint64) (*broker.Experience, error) {
	return c.next.ExperienceByID(ctx, id)
}

// ExperienceByAPIKey returns the cached experience for apiKey, falling back
// to the wrapped resolver and caching the result. Cache failures degrade to
// the wrapped resolver rather than failing the lookup.
func (c *CachedResolver) ExperienceByAPIKey(ctx context.Context, apiKey string) (*broker.Experience, error) {
	key := cacheKey(apiKey)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var entry cachedExperience
		if err := json.Unmarshal([]byte(cached), &entry); err == nil {
			return &broker.Experience{ID: entry.ID, OpenCloudAPIKey: entry.OpenCloudAPIKey}, nil
		}
		c.logger.Warn().Str("key", key).Msg("Discarding undecodable cache entry")
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Msg("Cache read failed, falling through to resolver")
	}

	experience, err := c.next.ExperienceByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cachedExperience{
		ID:              experience.ID,
		OpenCloudAPIKey: experience.OpenCloudAPIKey,
	})
	if err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Cache write failed")
		}
	}
	return experience, nil
}

// ServerActions delegates to the wrapped resolver. Action lists are only
// fetched once per connection, so caching buys nothing.
func (c *CachedResolver) ServerActions(ctx context.Context, experienceID uint64) ([]broker.ServerAction, error) {
	return c.next.ServerActions(ctx, experienceID)
}

func cacheKey(apiKey string) string {
	return "experience:apikey:" + apiKey
}
