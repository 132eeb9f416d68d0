package ruleset

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// Watcher listens for invalidation messages, reloads the ruleset and hands
// the new value to registered callbacks.
type Watcher struct {
	cache      *Cache
	redis      *redis.Client
	retryDelay time.Duration

	mu        sync.RWMutex
	callbacks []func(domain.Ruleset)
}

// NewWatcher creates a watcher that refreshes cache on every invalidation.
func NewWatcher(cache *Cache, redisClient *redis.Client) *Watcher {
	return &Watcher{
		cache:      cache,
		redis:      redisClient,
		retryDelay: 5 * time.Second,
	}
}

// OnChange registers fn to receive every reloaded ruleset.
func (w *Watcher) OnChange(fn func(domain.Ruleset)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run subscribes until ctx is cancelled, resubscribing after errors.
func (w *Watcher) Run(ctx context.Context) error {
	logger.Info("[RulesetWatcher] Starting", "channel", InvalidateChannel)
	for {
		err := w.listen(ctx)
		if ctx.Err() != nil {
			logger.Info("[RulesetWatcher] Stopped")
			return nil
		}
		logger.Warn("[RulesetWatcher] subscription lost, retrying", "error", err, "delay", w.retryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *Watcher) listen(ctx context.Context) error {
	sub := w.redis.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			w.refresh(ctx, msg.Payload)
		}
	}
}

func (w *Watcher) refresh(ctx context.Context, version string) {
	w.cache.Invalidate(ctx)
	rs, err := w.cache.Get(ctx)
	if err != nil {
		logger.Error("[RulesetWatcher] reload failed", "error", err, "announced_version", version)
		return
	}
	logger.Info("[RulesetWatcher] ruleset reloaded", "version", rs.Version)

	w.mu.RLock()
	callbacks := append([]func(domain.Ruleset){}, w.callbacks...)
	w.mu.RUnlock()
	for _, fn := range callbacks {
		fn(rs)
	}
}
