package enrichment

import (
	"context"
	"time"

	"github.com/ignite/battlescope/internal/pkg/logger"
)

const (
	// DefaultRecoveryInterval is how often the sweep runs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job may go untouched before the sweep
	// assumes its worker died.
	DefaultStaleAge = 5 * time.Minute

	strandedBatch = 500
)

// JobRecoverer is the queue side of recovery.
type JobRecoverer interface {
	RecoverStale(ctx context.Context, staleAge time.Duration) (int, error)
	Enqueue(ctx context.Context, killmailID int64) (bool, error)
}

// StrandedLister finds enrichment rows that stopped moving.
type StrandedLister interface {
	Stranded(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

// RecoverySummary counts what one sweep did.
type RecoverySummary struct {
	Jobs       int
	Requeued   int
	Candidates int
}

// Recovery periodically returns stranded jobs to the queue.
type Recovery struct {
	queue    JobRecoverer
	store    StrandedLister
	interval time.Duration
	staleAge time.Duration
	now      func() time.Time
}

// NewRecovery creates a recovery sweep. Non-positive durations use the
// defaults.
func NewRecovery(q JobRecoverer, store StrandedLister, interval, staleAge time.Duration) *Recovery {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &Recovery{queue: q, store: store, interval: interval, staleAge: staleAge, now: time.Now}
}

// Start runs the sweep every interval. It blocks until ctx is cancelled.
func (r *Recovery) Start(ctx context.Context) {
	logger.Info("[QueueRecovery] Starting", "interval", r.interval.String(), "stale_age", r.staleAge.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			r.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce performs two passes:
//  1. Jobs claimed longer than the stale age go back to the ready list.
//  2. Enrichment rows pending or processing longer than the stale age are
//     enqueued again; the queue ignores those still outstanding.
func (r *Recovery) RecoverOnce(ctx context.Context) RecoverySummary {
	var summary RecoverySummary
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := r.queue.RecoverStale(queryCtx, r.staleAge)
	if err != nil {
		logger.Error("[QueueRecovery] stale job recovery error", "error", err)
	} else if n > 0 {
		summary.Jobs = n
		logger.Info("[QueueRecovery] requeued stale jobs", "count", n)
	}

	ids, err := r.store.Stranded(queryCtx, r.now().Add(-r.staleAge), strandedBatch)
	if err != nil {
		logger.Error("[QueueRecovery] stranded enrichment query error", "error", err)
		return summary
	}
	summary.Candidates = len(ids)
	for _, id := range ids {
		added, err := r.queue.Enqueue(queryCtx, id)
		if err != nil {
			logger.Error("[QueueRecovery] re-enqueue error", "killmail_id", id, "error", err)
			return summary
		}
		if added {
			summary.Requeued++
		}
	}
	if summary.Requeued > 0 {
		logger.Info("[QueueRecovery] re-enqueued stranded enrichments", "count", summary.Requeued)
	}
	return summary
}
