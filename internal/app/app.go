// Package app builds the pipeline components from configuration. Both the
// worker and the operator CLI assemble themselves through it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/battlescope/internal/archive"
	"github.com/ignite/battlescope/internal/clustering"
	"github.com/ignite/battlescope/internal/config"
	"github.com/ignite/battlescope/internal/detail"
	"github.com/ignite/battlescope/internal/enrichment"
	"github.com/ignite/battlescope/internal/feed"
	"github.com/ignite/battlescope/internal/ingest"
	"github.com/ignite/battlescope/internal/pkg/distlock"
	"github.com/ignite/battlescope/internal/pkg/logger"
	"github.com/ignite/battlescope/internal/queue"
	"github.com/ignite/battlescope/internal/repository/postgres"
	"github.com/ignite/battlescope/internal/ruleset"
	"github.com/ignite/battlescope/internal/shiphistory"
	"github.com/ignite/battlescope/internal/universe"
)

// Batch jobs hold their lock for at most this long; a crashed holder frees it
// when the TTL runs out.
const jobLockTTL = 30 * time.Minute

// App holds the shared connections and repositories.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client

	Killmails   *postgres.KillmailRepo
	Rulesets    *postgres.RulesetRepo
	Enrichments *postgres.EnrichmentRepo
	Battles     *postgres.BattleRepo
	ShipHistory *postgres.ShipHistoryRepo
}

// Open initialises logging and connects to PostgreSQL and Redis.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, RedactPII: true})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("Connected to database")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The cache degrades to the database; the queue retries.
		logger.Warn("Redis not reachable at startup", "error", err)
	} else {
		logger.Info("Connected to Redis")
	}

	return &App{
		Config:      cfg,
		DB:          db,
		Redis:       rdb,
		Killmails:   postgres.NewKillmailRepo(db),
		Rulesets:    postgres.NewRulesetRepo(db),
		Enrichments: postgres.NewEnrichmentRepo(db),
		Battles:     postgres.NewBattleRepo(db),
		ShipHistory: postgres.NewShipHistoryRepo(db),
	}, nil
}

// Close releases the connections.
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		logger.Warn("Failed to close Redis client", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		logger.Warn("Failed to close database", "error", err)
	}
}

// RulesetCache returns a read-through ruleset cache.
func (a *App) RulesetCache() *ruleset.Cache {
	return ruleset.NewCache(a.Rulesets, a.Redis, a.Config.Ruleset.CacheTTL())
}

// Queue returns the enrichment queue with the configured retry policy.
func (a *App) Queue() *queue.RedisQueue {
	return queue.NewRedisQueue(a.Redis, queue.RetryPolicy{
		MaxAttempts: a.Config.Enrichment.MaxAttempts,
		BaseDelay:   a.Config.Enrichment.RetryBaseDelay(),
	})
}

// Feed returns the RedisQ client.
func (a *App) Feed() *feed.RedisQClient {
	c := a.Config.Feed
	return feed.NewRedisQClient(feed.RedisQConfig{
		BaseURL:     c.BaseURL,
		QueueID:     c.QueueID,
		WaitSeconds: c.WaitSeconds,
		Timeout:     c.Timeout(),
		UserAgent:   c.UserAgent,
	})
}

// IngestLoop wires the ingestion loop. source may be nil for backfill-only
// use.
func (a *App) IngestLoop(source ingest.Source, rules ingest.RulesetSource, q ingest.Enqueuer) *ingest.Loop {
	return ingest.NewLoop(source, a.Killmails, rules, q)
}

// Backfiller wires a history backfill on top of loop.
func (a *App) Backfiller(loop *ingest.Loop) *ingest.Backfiller {
	c := a.Config.Backfill
	ua := a.Config.Feed.UserAgent
	return ingest.NewBackfiller(
		feed.NewHistoryClient(c.ZKBBaseURL, ua),
		feed.NewESIClient(c.ESIBaseURL, ua),
		a.Killmails,
		loop,
		c.Delay(),
	)
}

// EnrichmentWorker wires the enrichment worker, including the archive when
// it is enabled.
func (a *App) EnrichmentWorker(ctx context.Context) (*enrichment.Worker, error) {
	c := a.Config.Enrichment
	client := detail.NewClient(detail.Config{
		BaseURL:   c.DetailBaseURL,
		UserAgent: a.Config.Feed.UserAgent,
		Timeout:   c.Timeout(),
	})

	opts := []enrichment.Option{
		enrichment.WithThrottle(c.Throttle()),
		enrichment.WithFetchTimeout(c.Timeout()),
		enrichment.WithShipHistory(a.Killmails, a.ShipHistory),
	}
	if ac := a.Config.Archive; ac.Enabled {
		arch, err := archive.NewS3Archive(ctx, ac.S3Bucket, ac.S3Region, ac.AWSProfile, ac.Prefix)
		if err != nil {
			return nil, err
		}
		opts = append(opts, enrichment.WithArchive(arch))
		logger.Info("Payload archive enabled", "bucket", ac.S3Bucket, "prefix", ac.Prefix)
	}
	return enrichment.NewWorker(a.Enrichments, client, opts...), nil
}

// Recovery wires the enrichment recovery sweep.
func (a *App) Recovery(q *queue.RedisQueue) *enrichment.Recovery {
	c := a.Config.Enrichment
	return enrichment.NewRecovery(q, a.Enrichments, c.RecoveryInterval(), c.StaleAfter())
}

// ClusteringJob wires the clustering job with the universe catalog.
func (a *App) ClusteringJob() (*clustering.Job, error) {
	c := a.Config.Clustering
	catalog, err := universe.Load(a.Config.Universe.SystemsFile)
	if err != nil {
		return nil, err
	}
	if catalog.Len() == 0 {
		logger.Warn("No systems catalog loaded; k-space battles will have unknown security class")
	}

	engine := clustering.NewEngine(clustering.Params{
		WindowMax: time.Duration(c.WindowMinutes) * time.Minute,
		GapMax:    time.Duration(c.GapMaxMinutes) * time.Minute,
		MinKills:  c.MinKills,
	}, catalog, nil)
	lock := distlock.NewLock(a.Redis, a.DB, clustering.LockKey, jobLockTTL)
	return clustering.NewJob(a.Killmails, a.Battles, engine, lock, time.Duration(c.SettleMinutes)*time.Minute), nil
}

// ShipHistoryReset wires the ship history rebuild.
func (a *App) ShipHistoryReset() *shiphistory.ResetService {
	lock := distlock.NewLock(a.Redis, a.DB, shiphistory.LockKey, jobLockTTL)
	return shiphistory.NewResetService(a.ShipHistory, shiphistory.NewProcessor(), lock)
}
