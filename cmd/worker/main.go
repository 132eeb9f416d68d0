package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/battlescope/internal/api"
	"github.com/ignite/battlescope/internal/app"
	"github.com/ignite/battlescope/internal/clustering"
	"github.com/ignite/battlescope/internal/config"
	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/enrichment"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/logger"
	"github.com/ignite/battlescope/internal/ruleset"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Starting battlescope worker",
		"feed", cfg.Feed.Enabled, "enrichment", cfg.Enrichment.Enabled, "clustering", cfg.Clustering.Enabled)

	g, ctx := errgroup.WithContext(ctx)

	// Ruleset cache + invalidation watcher
	cache := a.RulesetCache()
	watcher := ruleset.NewWatcher(cache, a.Redis)
	watcher.OnChange(func(rs domain.Ruleset) {
		metrics.RulesetVersion.Set(float64(rs.Version))
		logger.Info("Ruleset updated", "version", rs.Version, "min_pilots", rs.MinPilots, "ignore_unlisted", rs.IgnoreUnlisted)
	})

	q := a.Queue()

	// Ingestion
	var feedStatus api.FeedStatus
	if cfg.Feed.Enabled {
		source := a.Feed()
		feedStatus = source
		loop := a.IngestLoop(source, cache, q)
		watcher.OnChange(loop.UseRuleset)
		g.Go(func() error { return loop.RunForever(ctx, cfg.Feed.PollInterval()) })
	}
	g.Go(func() error { return watcher.Run(ctx) })

	// Enrichment pool + recovery sweep
	if cfg.Enrichment.Enabled {
		w, err := a.EnrichmentWorker(ctx)
		if err != nil {
			return err
		}
		pool := enrichment.NewPool(q, w, cfg.Enrichment.Concurrency)
		pool.Start()
		g.Go(func() error {
			<-ctx.Done()
			pool.Stop()
			return nil
		})

		recovery := a.Recovery(q)
		g.Go(func() error {
			recovery.Start(ctx)
			return nil
		})
	}

	// Clustering scheduler
	if cfg.Clustering.Enabled {
		job, err := a.ClusteringJob()
		if err != nil {
			return err
		}
		scheduler := clustering.NewScheduler(job, cfg.Clustering.Interval())
		if err := scheduler.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			scheduler.Stop()
			return nil
		})
	}

	// Ops server
	server := api.NewServer(cfg.Server, api.NewHealthChecker(a.DB, a.Redis, feedStatus))
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	g.Go(func() error {
		logger.Info("Ops server listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
