// Package redis implements the collection expansion cache on Redis for
// deployments that share it between hosts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces keys, normally by service.
	Prefix string
}

// NewClient creates a new Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// ExpansionCache stores collection expansions as JSON arrays with a TTL.
type ExpansionCache struct {
	client *redis.Client
	prefix string
}

// NewExpansionCache returns a cache using client. Keys are prefix:expansion:<id>.
func NewExpansionCache(client *redis.Client, prefix string) *ExpansionCache {
	if prefix == "" {
		prefix = "ytfetch"
	}
	return &ExpansionCache{client: client, prefix: prefix}
}

func (c *ExpansionCache) key(collectionID string) string {
	return c.prefix + ":expansion:" + collectionID
}

// GetExpansion returns the cached content ids of a collection.
func (c *ExpansionCache) GetExpansion(ctx context.Context, collectionID string) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, c.key(collectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get expansion: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false, fmt.Errorf("decode expansion %s: %w", collectionID, err)
	}
	return ids, true, nil
}

// PutExpansion caches ids for ttl.
func (c *ExpansionCache) PutExpansion(ctx context.Context, collectionID string, ids []string, ttl time.Duration) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(collectionID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("put expansion: %w", err)
	}
	return nil
}

// EvictExpansion drops the cached entry for collectionID.
func (c *ExpansionCache) EvictExpansion(ctx context.Context, collectionID string) error {
	if err := c.client.Del(ctx, c.key(collectionID)).Err(); err != nil {
		return fmt.Errorf("evict expansion: %w", err)
	}
	return nil
}

// PurgeExpiredExpansions is a no-op: Redis expires keys itself.
func (c *ExpansionCache) PurgeExpiredExpansions(context.Context) (int64, error) {
	return 0, nil
}
