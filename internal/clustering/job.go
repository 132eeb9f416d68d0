package clustering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/killmail"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/distlock"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// LockKey is the distributed lock shared by every clustering run.
const LockKey = "clustering"

// DefaultMaxEvents caps one run. A run that hits the cap logs a warning and
// the remainder is picked up by the next run.
const DefaultMaxEvents = 100000

// EventSource loads killmails not yet consumed by clustering.
type EventSource interface {
	LoadUnprocessed(ctx context.Context, before time.Time, limit int) ([]domain.KillmailEvent, error)
}

// BattleStore persists clustering output.
type BattleStore interface {
	// SucceededPayloads returns the enrichment payloads of the given
	// killmails that enriched successfully.
	SucceededPayloads(ctx context.Context, killmailIDs []int64) (map[int64]json.RawMessage, error)

	// SaveResult writes every battle with its participants and killmail
	// links, and marks every input killmail processed, in one transaction.
	SaveResult(ctx context.Context, res Result, processedAt time.Time) error
}

// Summary describes one job run.
type Summary struct {
	Loaded  int
	Battles int
	Ignored int
	// Deferred events sit in battles that may still grow; a later run
	// clusters them again.
	Deferred int
	Duration time.Duration
}

// Job runs one clustering pass over settled killmails.
type Job struct {
	events    EventSource
	battles   BattleStore
	engine    *Engine
	lock      distlock.DistLock
	settle    time.Duration
	maxEvents int
	now       func() time.Time
}

// NewJob creates a clustering job. Events younger than settle are left for
// a later run so that late arrivals can still join their battle.
func NewJob(events EventSource, battles BattleStore, engine *Engine, lock distlock.DistLock, settle time.Duration) *Job {
	return &Job{
		events:    events,
		battles:   battles,
		engine:    engine,
		lock:      lock,
		settle:    settle,
		maxEvents: DefaultMaxEvents,
		now:       time.Now,
	}
}

// Run clusters and persists every settled unprocessed killmail. It returns
// distlock.ErrLockHeld when another instance is already running.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	err := distlock.WithLock(ctx, j.lock, func(ctx context.Context) error {
		var err error
		summary, err = j.run(ctx)
		return err
	})
	switch {
	case err == nil:
		metrics.ClusterRunsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, distlock.ErrLockHeld):
		metrics.ClusterRunsTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.ClusterRunsTotal.WithLabelValues("error").Inc()
	}
	return summary, err
}

func (j *Job) run(ctx context.Context) (Summary, error) {
	start := j.now()
	cutoff := start.Add(-j.settle)

	events, err := j.events.LoadUnprocessed(ctx, cutoff, j.maxEvents)
	if err != nil {
		return Summary{}, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return Summary{}, nil
	}
	if len(events) >= j.maxEvents {
		logger.Warn("[Clustering] run capped, remaining events deferred", "max_events", j.maxEvents)
	}

	// Only events before the cutoff are loaded; a capped load ends earlier.
	horizon := cutoff
	if len(events) >= j.maxEvents {
		horizon = events[len(events)-1].OccurredAt
	}
	res := j.engine.ClusterBefore(events, horizon)

	if err := j.fillFromPayloads(ctx, res.Battles, events); err != nil {
		return Summary{}, err
	}
	if err := j.battles.SaveResult(ctx, res, start.UTC()); err != nil {
		return Summary{}, fmt.Errorf("save battles: %w", err)
	}

	metrics.BattlesCreatedTotal.Add(float64(len(res.Battles)))
	metrics.ClusterIgnoredTotal.Add(float64(len(res.IgnoredKillmailIDs)))

	summary := Summary{
		Loaded:   len(events),
		Battles:  len(res.Battles),
		Ignored:  len(res.IgnoredKillmailIDs),
		Deferred: len(res.DeferredKillmailIDs),
		Duration: j.now().Sub(start),
	}
	logger.Info("[Clustering] run complete",
		"loaded", summary.Loaded,
		"battles", summary.Battles,
		"ignored", summary.Ignored,
		"deferred", summary.Deferred,
		"duration", summary.Duration)
	return summary, nil
}

// fillFromPayloads completes each plan from the enrichment payloads.
// Participants get their ship: victims the ship they lost, attackers the
// first ship they were seen in. Killmails stored without a value (backfilled
// from ESI) add the payload's zkb total to the battle. Killmails without a
// payload are left as they are.
func (j *Job) fillFromPayloads(ctx context.Context, plans []Plan, events []domain.KillmailEvent) error {
	var ids []int64
	for _, p := range plans {
		ids = append(ids, p.KillmailIDs...)
	}
	if len(ids) == 0 {
		return nil
	}
	payloads, err := j.battles.SucceededPayloads(ctx, ids)
	if err != nil {
		return fmt.Errorf("load enrichment payloads: %w", err)
	}

	valued := make(map[int64]bool, len(events))
	for _, ev := range events {
		if ev.ISKValue != nil {
			valued[ev.KillmailID] = true
		}
	}

	for i := range plans {
		lost := make(map[int64]int64)
		flown := make(map[int64]int64)
		for _, id := range plans[i].KillmailIDs {
			raw, ok := payloads[id]
			if !ok {
				continue
			}
			km, err := killmail.Parse(raw)
			if err != nil {
				logger.Warn("[Clustering] skipping unreadable payload", "killmail_id", id, "error", err)
				continue
			}
			if !valued[id] && km.Zkb != nil && km.Zkb.TotalValue > 0 {
				plans[i].Battle.TotalISK += km.Zkb.TotalValue
			}
			for character, ship := range km.ShipTypes() {
				seen := flown
				if character == km.Victim.CharacterID {
					seen = lost
				}
				if _, ok := seen[character]; !ok {
					seen[character] = ship
				}
			}
		}

		for k := range plans[i].Participants {
			p := &plans[i].Participants[k]
			src := flown
			if p.IsVictim {
				src = lost
			}
			if ship, ok := src[p.CharacterID]; ok {
				p.ShipTypeID = domain.Int64Ptr(ship)
			}
		}
	}
	return nil
}
