package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// DefaultTTL bounds how stale a cached ruleset may be when an invalidation
// message is lost.
const DefaultTTL = 300 * time.Second

type snapshot struct {
	rs       domain.Ruleset
	loadedAt time.Time
}

// Cache is a read-through cache of the active ruleset. Get is lock-free and
// safe for concurrent use.
type Cache struct {
	store Repository
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time

	local atomic.Pointer[snapshot]
}

// NewCache creates a cache over store. redisClient may be nil, in which case
// every miss of the local snapshot reads the store.
func NewCache(store Repository, redisClient *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: store,
		redis: redisClient,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the active ruleset. Redis failures are logged and the store is
// read directly; only a store failure is returned.
func (c *Cache) Get(ctx context.Context) (domain.Ruleset, error) {
	if s := c.local.Load(); s != nil && c.now().Sub(s.loadedAt) < c.ttl {
		metrics.RecordRulesetLookup("local")
		return s.rs, nil
	}

	redisUp := c.redis != nil
	if redisUp {
		rs, found, err := c.readRedis(ctx)
		switch {
		case err != nil:
			logger.Warn("[Ruleset] redis unavailable, reading store", "error", err)
			redisUp = false
		case found:
			metrics.RecordRulesetLookup("redis")
			c.remember(rs)
			return rs, nil
		}
	}

	rs, err := c.store.Get(ctx)
	if err != nil {
		return domain.Ruleset{}, fmt.Errorf("load ruleset: %w", err)
	}
	metrics.RecordRulesetLookup("store")

	if !redisUp {
		return rs, nil
	}
	if err := c.writeRedis(ctx, rs); err != nil {
		logger.Warn("[Ruleset] failed to populate redis", "error", err)
		return rs, nil
	}
	c.remember(rs)
	return rs, nil
}

// Invalidate drops the local snapshot and the shared Redis copy.
func (c *Cache) Invalidate(ctx context.Context) {
	c.local.Store(nil)
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, ActiveKey).Err(); err != nil {
		logger.Warn("[Ruleset] failed to delete cached ruleset", "error", err)
	}
}

func (c *Cache) remember(rs domain.Ruleset) {
	c.local.Store(&snapshot{rs: rs, loadedAt: c.now()})
	metrics.RulesetVersion.Set(float64(rs.Version))
}

func (c *Cache) readRedis(ctx context.Context) (domain.Ruleset, bool, error) {
	data, err := c.redis.Get(ctx, ActiveKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Ruleset{}, false, nil
	}
	if err != nil {
		return domain.Ruleset{}, false, err
	}
	var rs domain.Ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		// A corrupt entry is treated as a miss and overwritten.
		logger.Warn("[Ruleset] discarding undecodable cached ruleset", "error", err)
		return domain.Ruleset{}, false, nil
	}
	return rs, true, nil
}

func (c *Cache) writeRedis(ctx context.Context, rs domain.Ruleset) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, ActiveKey, data, c.ttl).Err()
}
