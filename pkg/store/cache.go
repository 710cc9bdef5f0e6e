package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/appforge-io/appforge/pkg/models"
)

const (
	hotKeyPrefix = "appforge:context:"
	hotCacheTTL  = 5 * time.Minute
)

// HotCache is an optional redis layer between the in-memory cache and
// durable storage. It shortens cold reads after a process restart; all
// failures are soft and fall through to Postgres.
type HotCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewHotCache(rdb *redis.Client) *HotCache {
	return &HotCache{
		rdb:    rdb,
		logger: slog.Default().With("component", "hot_cache"),
	}
}

// Get fetches a cached context. Misses and transport errors both report
// not-ok.
func (c *HotCache) Get(ctx context.Context, projectID string) (*models.ProjectContext, bool) {
	raw, err := c.rdb.Get(ctx, hotKeyPrefix+projectID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Redis read failed", "project_id", projectID, "error", err)
		}
		return nil, false
	}
	var pc models.ProjectContext
	if err := json.Unmarshal(raw, &pc); err != nil {
		c.logger.Warn("Discarding corrupt cached context", "project_id", projectID, "error", err)
		c.Delete(ctx, projectID)
		return nil, false
	}
	return &pc, true
}

// Set stores a context snapshot, best effort.
func (c *HotCache) Set(ctx context.Context, projectID string, pc *models.ProjectContext) {
	raw, err := json.Marshal(pc)
	if err != nil {
		c.logger.Warn("Failed to encode context for cache", "project_id", projectID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, hotKeyPrefix+projectID, raw, hotCacheTTL).Err(); err != nil {
		c.logger.Warn("Redis write failed", "project_id", projectID, "error", err)
	}
}

// Delete evicts a cached context, best effort.
func (c *HotCache) Delete(ctx context.Context, projectID string) {
	if err := c.rdb.Del(ctx, hotKeyPrefix+projectID).Err(); err != nil {
		c.logger.Warn("Redis delete failed", "project_id", projectID, "error", err)
	}
}
