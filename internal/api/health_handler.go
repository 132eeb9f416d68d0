package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status string                    `json:"status"` // "ok" or "degraded"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "disabled"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// FeedStatus reports the outcome of the most recent feed poll.
type FeedStatus interface {
	Status() (lastSuccess time.Time, lastErr error)
}

// DefaultFeedStaleAfter is how long the feed may go without a successful
// poll before it is reported down. Long polls return every few seconds.
const DefaultFeedStaleAfter = 5 * time.Minute

// HealthChecker checks the database, Redis and the upstream feed.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	feed        FeedStatus
	feedStale   time.Duration
	startTime   time.Time
	now         func() time.Time
}

// NewHealthChecker creates a HealthChecker. feed may be nil when ingestion
// is disabled; it is then reported as "disabled" and does not affect the
// summary.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, feed FeedStatus) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		feed:        feed,
		feedStale:   DefaultFeedStaleAfter,
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// HandleHealth reports every dependency. Any dependency down makes the
// summary "degraded" and the response 503.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.Check(r.Context())

	status := HealthStatus{
		Status: overallStatus(checks),
		Uptime: formatUptime(hc.now().Sub(hc.startTime)),
		Checks: checks,
	}
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}

// HandleLiveness always returns 200 while the process is serving.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(hc.now().Sub(hc.startTime)),
	})
}

// Check runs every dependency check concurrently.
func (hc *HealthChecker) Check(ctx context.Context) map[string]ComponentCheck {
	names := []string{"database", "redis", "feed"}
	fns := []func(context.Context) ComponentCheck{hc.checkDatabase, hc.checkRedis, hc.checkFeed}
	results := make([]ComponentCheck, len(fns))

	var g errgroup.Group
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() error {
			results[i] = fn(ctx)
			return nil
		})
	}
	g.Wait()

	checks := make(map[string]ComponentCheck, len(names))
	for i, name := range names {
		checks[name] = results[i]
	}
	return checks
}

// checkDatabase pings PostgreSQL with a 3-second timeout.
func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// checkRedis pings Redis with a 2-second timeout.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// checkFeed looks at the last poll instead of calling upstream; a health
// probe must not consume killmails from the queue.
func (hc *HealthChecker) checkFeed(ctx context.Context) ComponentCheck {
	if hc.feed == nil {
		return ComponentCheck{Status: "disabled", Message: "ingestion disabled"}
	}

	lastSuccess, lastErr := hc.feed.Status()
	switch {
	case lastErr != nil:
		return ComponentCheck{Status: "down", Message: fmt.Sprintf("last poll failed: %v", lastErr)}
	case lastSuccess.IsZero():
		return ComponentCheck{Status: "up", Message: "waiting for first poll"}
	}

	age := hc.now().Sub(lastSuccess)
	if age > hc.feedStale {
		return ComponentCheck{Status: "down", Message: fmt.Sprintf("no successful poll for %s", age.Round(time.Second))}
	}
	return ComponentCheck{Status: "up", Message: fmt.Sprintf("last poll %s ago", age.Round(time.Second))}
}

// overallStatus is "ok" unless a dependency is down.
func overallStatus(checks map[string]ComponentCheck) string {
	for _, c := range checks {
		if c.Status == "down" {
			return "degraded"
		}
	}
	return "ok"
}

// formatUptime produces a human-readable uptime string like "3d 4h 12m 5s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
