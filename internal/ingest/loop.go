// Package ingest turns feed events into stored killmails: dedup, ruleset
// filter, persist and enqueue for enrichment.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/feed"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// Outcome is what Handle did with an event.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// handleTimeout bounds the work on one event once it has left the feed,
// retries included.
const handleTimeout = 30 * time.Second

// handleAttempts is how often RunForever tries an event before dropping it.
// The feed does not redeliver.
const handleAttempts = 3

// Source yields feed events. Next returns feed.ErrNoEvent when nothing
// arrived within its long-poll window.
type Source interface {
	Next(ctx context.Context) (domain.KillmailEvent, error)
	Close() error
}

// Store persists accepted events.
type Store interface {
	Exists(ctx context.Context, killmailID int64) (bool, error)
	// InsertAccepted writes the event and its pending enrichment row. It
	// reports false when the event already existed.
	InsertAccepted(ctx context.Context, ev domain.KillmailEvent) (bool, error)
}

// RulesetSource returns the active ruleset.
type RulesetSource interface {
	Get(ctx context.Context) (domain.Ruleset, error)
}

// Enqueuer schedules enrichment.
type Enqueuer interface {
	Enqueue(ctx context.Context, killmailID int64) (bool, error)
}

// Loop is the ingestion loop.
type Loop struct {
	source     Source
	store      Store
	rules      RulesetSource
	queue      Enqueuer
	retryDelay time.Duration

	pushed atomic.Pointer[domain.Ruleset]
}

// NewLoop creates an ingestion loop. source may be nil when the loop only
// serves Handle (backfill).
func NewLoop(source Source, store Store, rules RulesetSource, queue Enqueuer) *Loop {
	return &Loop{source: source, store: store, rules: rules, queue: queue, retryDelay: time.Second}
}

// UseRuleset hands the loop a ruleset pushed by the ruleset watcher. Handle
// evaluates against the newer of this value and the RulesetSource, and falls
// back to it when the source fails. Older versions are ignored.
func (l *Loop) UseRuleset(rs domain.Ruleset) {
	for {
		cur := l.pushed.Load()
		if cur != nil && cur.Version >= rs.Version {
			return
		}
		if l.pushed.CompareAndSwap(cur, &rs) {
			return
		}
	}
}

func (l *Loop) ruleset(ctx context.Context) (domain.Ruleset, error) {
	pushed := l.pushed.Load()
	rs, err := l.rules.Get(ctx)
	if err != nil {
		if pushed == nil {
			return domain.Ruleset{}, err
		}
		logger.Warn("[Ingest] ruleset lookup failed, using last pushed ruleset", "version", pushed.Version, "error", err)
		return *pushed, nil
	}
	if pushed != nil && pushed.Version > rs.Version {
		return *pushed, nil
	}
	return rs, nil
}

// RunForever polls the source until ctx is cancelled. Source errors are
// logged and retried after pollInterval; they never end the loop. An event
// already received when ctx is cancelled is still handled. The source is
// closed on return.
func (l *Loop) RunForever(ctx context.Context, pollInterval time.Duration) error {
	if l.source == nil {
		return errors.New("ingest: no source configured")
	}
	defer func() {
		if err := l.source.Close(); err != nil {
			logger.Warn("[Ingest] failed to close source", "error", err)
		}
	}()

	logger.Info("[Ingest] Starting", "poll_interval", pollInterval.String())
	for {
		if ctx.Err() != nil {
			logger.Info("[Ingest] Stopping")
			return nil
		}

		ev, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if !errors.Is(err, feed.ErrNoEvent) {
				metrics.RecordIngest("error")
				logger.Warn("[Ingest] feed poll failed", "error", err)
			}
			sleep(ctx, pollInterval)
			continue
		}

		outcome, err := l.handleWithRetry(ctx, ev)
		if err != nil {
			metrics.RecordIngest("error")
			logger.Error("[Ingest] dropping killmail after retries", "killmail_id", ev.KillmailID, "attempts", handleAttempts, "error", err)
			continue
		}
		logger.Debug("[Ingest] handled killmail", "killmail_id", ev.KillmailID, "outcome", string(outcome))
	}
}

// handleWithRetry runs Handle up to handleAttempts times with a growing
// delay. It ignores cancellation of ctx: an event taken off the feed is
// finished within handleTimeout.
func (l *Loop) handleWithRetry(ctx context.Context, ev domain.KillmailEvent) (Outcome, error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		var outcome Outcome
		outcome, err = l.Handle(hctx, ev)
		if err == nil {
			return outcome, nil
		}
		if attempt == handleAttempts {
			break
		}
		logger.Warn("[Ingest] failed to handle killmail, retrying", "killmail_id", ev.KillmailID, "attempt", attempt, "error", err)
		if !sleep(hctx, time.Duration(attempt)*l.retryDelay) {
			break
		}
	}
	return "", err
}

// Handle runs one event through dedup, the ruleset and storage.
func (l *Loop) Handle(ctx context.Context, ev domain.KillmailEvent) (Outcome, error) {
	exists, err := l.store.Exists(ctx, ev.KillmailID)
	if err != nil {
		return "", fmt.Errorf("check killmail %d: %w", ev.KillmailID, err)
	}
	if exists {
		metrics.RecordIngest(string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	rs, err := l.ruleset(ctx)
	if err != nil {
		return "", fmt.Errorf("load ruleset: %w", err)
	}
	if d := rs.Evaluate(ev); !d.Accepted {
		metrics.RecordIngest(string(OutcomeRejected))
		metrics.RecordRejected(string(d.Reason))
		return OutcomeRejected, nil
	}

	inserted, err := l.store.InsertAccepted(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("store killmail %d: %w", ev.KillmailID, err)
	}
	if !inserted {
		metrics.RecordIngest(string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	// The pending enrichment row is already committed; the recovery sweep
	// picks it up if this enqueue is lost.
	if _, err := l.queue.Enqueue(ctx, ev.KillmailID); err != nil {
		logger.Warn("[Ingest] failed to enqueue enrichment", "killmail_id", ev.KillmailID, "error", err)
	}
	metrics.RecordIngest(string(OutcomeAccepted))
	return OutcomeAccepted, nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
