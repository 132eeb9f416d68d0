// Command migrate applies the SQL files in migrations/ in name order. Applied
// files are recorded in schema_migrations and skipped on later runs.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/battlescope/internal/config"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

const trackingTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// pipelineTables are listed by --list.
var pipelineTables = []string{
	"battle_killmails",
	"battle_participants",
	"battles",
	"killmail_enrichments",
	"killmails",
	"pilot_ship_history",
	"rulesets",
	"schema_migrations",
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	dir := flag.String("dir", "migrations", "directory holding the .sql files")
	listOnly := flag.Bool("list", false, "list pipeline tables and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("Connected to database")

	if *listOnly {
		tables, err := existingTables(ctx, db)
		if err != nil {
			logger.Error("Failed to list tables", "error", err)
			os.Exit(1)
		}
		for _, t := range tables {
			fmt.Println(" ", t)
		}
		fmt.Printf("Total: %d tables\n", len(tables))
		return
	}

	files, err := migrationFiles(*dir)
	if err != nil {
		logger.Error("Failed to read migrations", "dir", *dir, "error", err)
		os.Exit(1)
	}
	applied, err := apply(ctx, db, *dir, files)
	if err != nil {
		logger.Error("Migration failed", "applied", applied, "error", err)
		os.Exit(1)
	}
	logger.Info("Migrations complete", "applied", applied, "total", len(files))
}

// migrationFiles returns the non-empty .sql file names in dir, sorted.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs every file not yet in schema_migrations, each in its own
// transaction, and stops at the first failure.
func apply(ctx context.Context, db *sql.DB, dir string, files []string) (int, error) {
	if _, err := db.ExecContext(ctx, trackingTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	done := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		done[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	applied := 0
	for _, f := range files {
		if done[f] {
			logger.Debug("Migration already applied", "file", f)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("apply %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit %s: %w", f, err)
		}
		logger.Info("Applied migration", "file", f)
		applied++
	}
	return applied, nil
}

func existingTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1) ORDER BY tablename`,
		pq.Array(pipelineTables))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}
