/*
Package cache keeps cohort statistics in Redis.

CohortStats walks every active student of a school, so dashboards that poll
it would hit the database hard. Results are cached per (school, period)
under a per-school version number; any ledger mutation for the school bumps
the version and every cached period goes stale at once.

Redis is advisory: when it is unreachable the loader runs directly.
Concurrent misses for the same key share one load (singleflight).
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/warp/fee-ledger/ledger"
)

const keyPrefix = "fees:stats"

// StatsLoader computes stats on a miss.
type StatsLoader func(ctx context.Context, school ledger.SchoolID, period ledger.Period) (ledger.CohortStats, error)

type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewStatsCache accepts a nil client, in which case every call loads.
func NewStatsCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *StatsCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsCache{client: client, ttl: ttl, logger: logger.With("component", "stats_cache")}
}

func versionKey(school ledger.SchoolID) string {
	return fmt.Sprintf("%s:%s:version", keyPrefix, school)
}

func (c *StatsCache) key(ctx context.Context, school ledger.SchoolID, period ledger.Period) (string, error) {
	ver, err := c.client.Get(ctx, versionKey(school)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s:%s:v%d", keyPrefix, school, period.SessionID, period.TermID, ver), nil
}

// CohortStats returns cached stats or loads and stores them.
func (c *StatsCache) CohortStats(ctx context.Context, school ledger.SchoolID, period ledger.Period, load StatsLoader) (ledger.CohortStats, error) {
	if c == nil || c.client == nil {
		return load(ctx, school, period)
	}

	key, err := c.key(ctx, school, period)
	if err != nil {
		c.logger.WarnContext(ctx, "redis unavailable, loading directly", "error", err)
		return load(ctx, school, period)
	}

	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var stats ledger.CohortStats
		if err := json.Unmarshal(raw, &stats); err == nil {
			return stats, nil
		}
		c.logger.WarnContext(ctx, "discarding unreadable cache entry", "key", key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		stats, err := load(ctx, school, period)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(stats); err == nil {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
			}
		}
		return stats, nil
	})
	if err != nil {
		return ledger.CohortStats{}, err
	}
	return res.(ledger.CohortStats), nil
}

// Invalidate makes every cached period of the school stale.
func (c *StatsCache) Invalidate(ctx context.Context, school ledger.SchoolID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(school)).Err()
}
