// Package cache is a Redis-backed read-through cache for resolved
// credentials, so workers do not hit the catalog on every command.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/pkg/catalog"
)

// DefaultTTL bounds how stale a cached credential may be.
const DefaultTTL = 5 * time.Minute

// CredentialCache fronts the catalog credential store. A nil Redis client
// degrades to direct catalog reads.
type CredentialCache struct {
	cat    catalog.Catalog
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCredentialCache wires the cache. ttl <= 0 uses DefaultTTL.
func NewCredentialCache(cat catalog.Catalog, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CredentialCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CredentialCache{cat: cat, client: client, ttl: ttl, logger: logger.With("component", "credential_cache")}
}

func cacheKey(name string) string {
	return "noetl:credential:" + name
}

// Get returns the named credential, from Redis when fresh, otherwise from the
// catalog (repopulating the cache). Cache failures fall through to the
// catalog rather than failing the command.
func (c *CredentialCache) Get(ctx context.Context, name string) (*catalog.Credential, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, cacheKey(name)).Bytes()
		switch {
		case err == nil:
			var cred catalog.Credential
			if err := json.Unmarshal(raw, &cred); err == nil {
				return &cred, nil
			}
			c.logger.Error("Discarding corrupt cached credential", "name", name)
		case !errors.Is(err, redis.Nil):
			c.logger.Error("Credential cache read failed", "name", name, "error", err)
		}
	}

	cred, err := c.cat.GetCredential(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %q: %w", name, err)
	}

	if c.client != nil {
		if raw, err := json.Marshal(cred); err == nil {
			if err := c.client.Set(ctx, cacheKey(name), raw, c.ttl).Err(); err != nil {
				c.logger.Error("Credential cache write failed", "name", name, "error", err)
			}
		}
	}
	return cred, nil
}

// Invalidate drops the cached entry after a credential update or delete.
func (c *CredentialCache) Invalidate(ctx context.Context, name string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(name)).Err(); err != nil {
		c.logger.Error("Credential cache invalidation failed", "name", name, "error", err)
	}
}
