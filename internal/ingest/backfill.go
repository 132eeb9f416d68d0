package ingest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/battlescope/internal/feed"
	"github.com/ignite/battlescope/internal/killmail"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// DefaultBackfillDelay is the minimum gap between upstream requests.
const DefaultBackfillDelay = time.Second

const existingChunk = 1000

// HistorySource lists the killmails of one day.
type HistorySource interface {
	Day(ctx context.Context, day time.Time) ([]feed.Ref, error)
}

// KillmailFetcher resolves a reference to its killmail body.
type KillmailFetcher interface {
	Killmail(ctx context.Context, ref feed.Ref) (*killmail.Killmail, error)
}

// ExistingLookup reports which ids are already stored.
type ExistingLookup interface {
	ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// BackfillStats counts what a backfill did.
type BackfillStats struct {
	Days      int `json:"days"`
	Listed    int `json:"listed"`
	Skipped   int `json:"skipped"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// Backfiller replays the killboard history through the ingestion path.
type Backfiller struct {
	history  HistorySource
	fetcher  KillmailFetcher
	existing ExistingLookup
	loop     *Loop
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewBackfiller creates a backfiller. Every upstream request waits on a
// shared limiter so consecutive requests are at least delay apart.
func NewBackfiller(history HistorySource, fetcher KillmailFetcher, existing ExistingLookup, loop *Loop, delay time.Duration) *Backfiller {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Backfiller{
		history:  history,
		fetcher:  fetcher,
		existing: existing,
		loop:     loop,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// Run backfills every UTC calendar date from from to to, inclusive. A
// killmail ESI cannot return is counted as failed and skipped; storage
// errors abort the run.
func (b *Backfiller) Run(ctx context.Context, from, to time.Time) (BackfillStats, error) {
	var stats BackfillStats
	first := truncateDay(from)
	last := truncateDay(to)
	if last.Before(first) {
		return stats, fmt.Errorf("backfill: end %s is before start %s", last.Format("2006-01-02"), first.Format("2006-01-02"))
	}

	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if err := b.runDay(ctx, day, &stats); err != nil {
			return stats, err
		}
		stats.Days++
		logger.Info("[Backfill] day complete", "day", day.Format("2006-01-02"),
			"listed", stats.Listed, "accepted", stats.Accepted, "failed", stats.Failed)
	}
	return stats, nil
}

func (b *Backfiller) runDay(ctx context.Context, day time.Time, stats *BackfillStats) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	refs, err := b.history.Day(ctx, day)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", day.Format("2006-01-02"), err)
	}
	stats.Listed += len(refs)

	for start := 0; start < len(refs); start += existingChunk {
		end := start + existingChunk
		if end > len(refs) {
			end = len(refs)
		}
		chunk := refs[start:end]

		ids := make([]int64, len(chunk))
		for i, ref := range chunk {
			ids[i] = ref.ID
		}
		existing, err := b.existing.ExistingIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("backfill %s: %w", day.Format("2006-01-02"), err)
		}

		for _, ref := range chunk {
			if existing[ref.ID] {
				stats.Skipped++
				continue
			}
			if err := b.ingest(ctx, ref, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backfiller) ingest(ctx context.Context, ref feed.Ref, stats *BackfillStats) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	km, err := b.fetcher.Killmail(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Failed++
		logger.Warn("[Backfill] failed to fetch killmail", "killmail_id", ref.ID, "error", err)
		return nil
	}

	outcome, err := b.loop.Handle(ctx, killmail.ToEvent(km, nil, b.now()))
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeAccepted:
		stats.Accepted++
	case OutcomeRejected:
		stats.Rejected++
	case OutcomeDuplicate:
		stats.Duplicate++
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
