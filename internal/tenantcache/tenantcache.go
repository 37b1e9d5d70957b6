// Package tenantcache wraps database.Database with a short-TTL Redis cache
// in front of GetTenantSettings. The freshness scanner, probe runner and
// dispatcher each re-read a tenant's settings once per candidate/incident
// within a single pass; none of them keep a process-global map (the
// classify/decide/sweep passes are deliberately stateless between runs), so
// without a cache the same rarely-changing row is re-fetched from SQLite
// many times per pass. Caching is purely a read-through optimization: a
// Redis miss, error, or disabled config all fall back to the database
// directly, so correctness never depends on Redis being reachable.
package tenantcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// Cache decorates a database.Database, intercepting GetTenantSettings and
// UpsertTenantSettings while delegating every other method unchanged.
type Cache struct {
	database.Database
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New returns db unwrapped when cfg.Redis.Enabled is false, so callers can
// always wrap unconditionally and get a no-op when Redis isn't configured.
func New(db database.Database, cfg *config.Config, logger *zap.Logger) database.Database {
	if !cfg.Redis.Enabled {
		return db
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &Cache{Database: db, client: client, ttl: cfg.Redis.TTL.Duration, logger: logger}
}

func (c *Cache) cacheKey(tenantID string) string {
	return "tenant_settings:" + tenantID
}

// GetTenantSettings reads through Redis first; any cache error (including a
// miss) falls back to the wrapped database and re-seeds the cache.
func (c *Cache) GetTenantSettings(tenantID string) (*models.TenantSettings, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if raw, err := c.client.Get(ctx, c.cacheKey(tenantID)).Bytes(); err == nil {
		var settings models.TenantSettings
		if jsonErr := json.Unmarshal(raw, &settings); jsonErr == nil {
			return &settings, nil
		}
	}

	settings, err := c.Database.GetTenantSettings(tenantID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, nil
	}

	if raw, err := json.Marshal(settings); err == nil {
		if err := c.client.Set(ctx, c.cacheKey(tenantID), raw, c.ttl).Err(); err != nil {
			c.logger.Warn("tenant settings cache seed failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return settings, nil
}

// UpsertTenantSettings writes through to the database and invalidates the
// cached entry so the next read picks up the change rather than serving a
// stale value for up to ttl.
func (c *Cache) UpsertTenantSettings(s *models.TenantSettings) error {
	if err := c.Database.UpsertTenantSettings(s); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.client.Del(ctx, c.cacheKey(s.TenantID)).Err(); err != nil {
		c.logger.Warn("tenant settings cache invalidation failed", zap.String("tenant_id", s.TenantID), zap.Error(err))
	}
	return nil
}
