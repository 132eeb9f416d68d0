// Package clustering groups accepted killmails into battles.
//
// Engine is a pure function of its inputs: the same events, parameters and
// id generator always produce the same Result. Job wraps it with storage,
// locking and enrichment lookups.
package clustering

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/battlescope/internal/domain"
)

// Params controls when a killmail joins an open cluster.
type Params struct {
	// WindowMax is the longest a cluster may span from its first member.
	WindowMax time.Duration
	// GapMax is the longest quiet period an uncorrelated event may bridge.
	GapMax time.Duration
	// MinKills is the smallest cluster that becomes a battle.
	MinKills int
}

// DefaultParams returns a 30 minute window, a 10 minute gap and two kills.
func DefaultParams() Params {
	return Params{
		WindowMax: 30 * time.Minute,
		GapMax:    10 * time.Minute,
		MinKills:  2,
	}
}

// Classifier resolves a system's security class and region.
type Classifier interface {
	Classify(systemID int64) (domain.SecurityClass, *int64)
}

// Plan is one battle ready to persist.
type Plan struct {
	Battle       domain.Battle
	Participants []domain.BattleParticipant
	KillmailIDs  []int64
}

// Result is the output of one clustering pass.
type Result struct {
	Battles            []Plan
	IgnoredKillmailIDs []int64
	// DeferredKillmailIDs belong to clusters that a later event could still
	// join. They are neither battles nor ignored.
	DeferredKillmailIDs []int64
}

// Engine clusters killmails. It holds no mutable state and is safe for
// concurrent use as long as its id generator is.
type Engine struct {
	params  Params
	systems Classifier
	newID   func() string
}

// NewEngine creates an engine. A nil newID uses random UUIDs.
func NewEngine(params Params, systems Classifier, newID func() string) *Engine {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{params: params, systems: systems, newID: newID}
}

// cluster is an open group of events in one system.
type cluster struct {
	events    []domain.KillmailEvent
	alliances map[int64]struct{}
}

func (c *cluster) first() time.Time { return c.events[0].OccurredAt }
func (c *cluster) last() time.Time  { return c.events[len(c.events)-1].OccurredAt }

func (c *cluster) correlated(ev domain.KillmailEvent) bool {
	for _, id := range ev.AllianceIDs() {
		if _, ok := c.alliances[id]; ok {
			return true
		}
	}
	return false
}

func (c *cluster) add(ev domain.KillmailEvent) {
	c.events = append(c.events, ev)
	for _, id := range ev.AllianceIDs() {
		c.alliances[id] = struct{}{}
	}
}

func newCluster(ev domain.KillmailEvent) *cluster {
	c := &cluster{alliances: make(map[int64]struct{})}
	c.add(ev)
	return c
}

// Cluster partitions events by system and folds each partition, in
// (occurred at, killmail id) order, into clusters. An event joins the open
// cluster iff the cluster would still fit the window and the event either
// follows within the gap or shares an alliance with the cluster. Battles are
// returned by system id, then start time.
func (e *Engine) Cluster(events []domain.KillmailEvent) Result {
	return e.cluster(events, time.Time{})
}

// ClusterBefore is Cluster for a partial view of a system's history: only
// events before horizon are known. The last cluster of a system is deferred
// while an event at or after horizon could still fall inside its window.
func (e *Engine) ClusterBefore(events []domain.KillmailEvent, horizon time.Time) Result {
	return e.cluster(events, horizon)
}

func (e *Engine) cluster(events []domain.KillmailEvent, horizon time.Time) Result {
	bySystem := make(map[int64][]domain.KillmailEvent)
	for _, ev := range events {
		bySystem[ev.SystemID] = append(bySystem[ev.SystemID], ev)
	}
	systems := make([]int64, 0, len(bySystem))
	for id := range bySystem {
		systems = append(systems, id)
	}
	sort.Slice(systems, func(i, j int) bool { return systems[i] < systems[j] })

	result := Result{Battles: []Plan{}, IgnoredKillmailIDs: []int64{}, DeferredKillmailIDs: []int64{}}
	for _, systemID := range systems {
		clusters := e.fold(bySystem[systemID])
		for i, c := range clusters {
			if i == len(clusters)-1 && e.open(c, horizon) {
				for _, ev := range c.events {
					result.DeferredKillmailIDs = append(result.DeferredKillmailIDs, ev.KillmailID)
				}
				continue
			}
			if len(c.events) >= e.params.MinKills {
				result.Battles = append(result.Battles, e.plan(systemID, c))
				continue
			}
			for _, ev := range c.events {
				result.IgnoredKillmailIDs = append(result.IgnoredKillmailIDs, ev.KillmailID)
			}
		}
	}
	sort.Slice(result.IgnoredKillmailIDs, func(i, j int) bool {
		return result.IgnoredKillmailIDs[i] < result.IgnoredKillmailIDs[j]
	})
	sort.Slice(result.DeferredKillmailIDs, func(i, j int) bool {
		return result.DeferredKillmailIDs[i] < result.DeferredKillmailIDs[j]
	})
	return result
}

// open reports whether an event at or after horizon could still join c. A
// zero horizon means the input is complete.
func (e *Engine) open(c *cluster, horizon time.Time) bool {
	if horizon.IsZero() {
		return false
	}
	return !c.first().Add(e.params.WindowMax).Before(horizon)
}

func (e *Engine) fold(events []domain.KillmailEvent) []*cluster {
	sorted := append([]domain.KillmailEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
		}
		return sorted[i].KillmailID < sorted[j].KillmailID
	})

	var closed []*cluster
	var open *cluster
	for _, ev := range sorted {
		if open == nil {
			open = newCluster(ev)
			continue
		}
		gap := ev.OccurredAt.Sub(open.last())
		window := ev.OccurredAt.Sub(open.first())
		if window <= e.params.WindowMax && (gap <= e.params.GapMax || open.correlated(ev)) {
			open.add(ev)
			continue
		}
		closed = append(closed, open)
		open = newCluster(ev)
	}
	if open != nil {
		closed = append(closed, open)
	}
	return closed
}

func (e *Engine) plan(systemID int64, c *cluster) Plan {
	start := c.first().UTC()
	b := domain.Battle{
		ID:            e.newID(),
		SystemID:      systemID,
		SecurityClass: domain.SecurityUnknown,
		StartTime:     start,
		EndTime:       c.last().UTC(),
		TotalKills:    len(c.events),
		ZKBRelatedURL: RelatedURL(systemID, start),
	}
	if e.systems != nil {
		b.SecurityClass, b.RegionID = e.systems.Classify(systemID)
	}

	ids := make([]int64, len(c.events))
	for i, ev := range c.events {
		ids[i] = ev.KillmailID
		if ev.ISKValue != nil {
			b.TotalISK += *ev.ISKValue
		}
	}

	return Plan{
		Battle:       b,
		Participants: participants(b.ID, c.events),
		KillmailIDs:  ids,
	}
}

// participants builds the deduplicated roster. A character seen as a victim
// anywhere in the battle is recorded as a victim; otherwise the first
// attacker entry wins.
func participants(battleID string, events []domain.KillmailEvent) []domain.BattleParticipant {
	roster := make(map[int64]*domain.BattleParticipant)
	for _, ev := range events {
		if ev.VictimCharacterID != nil && *ev.VictimCharacterID != 0 {
			id := *ev.VictimCharacterID
			p, ok := roster[id]
			if !ok || !p.IsVictim {
				roster[id] = &domain.BattleParticipant{
					BattleID:    battleID,
					CharacterID: id,
					AllianceID:  ev.VictimAllianceID,
					CorpID:      ev.VictimCorpID,
					IsVictim:    true,
				}
			}
		}
		for i := 0; i < ev.AttackerCount(); i++ {
			alliance, corp, character := ev.Attacker(i)
			if character == 0 {
				continue
			}
			if _, ok := roster[character]; ok {
				continue
			}
			roster[character] = &domain.BattleParticipant{
				BattleID:    battleID,
				CharacterID: character,
				AllianceID:  domain.Int64Ptr(alliance),
				CorpID:      domain.Int64Ptr(corp),
			}
		}
	}

	out := make([]domain.BattleParticipant, 0, len(roster))
	for _, p := range roster {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out
}

// RelatedURL is the killboard page listing every kill in a system during the
// hour the battle started.
func RelatedURL(systemID int64, start time.Time) string {
	return fmt.Sprintf("https://zkillboard.com/related/%d/%s00/",
		systemID, start.UTC().Truncate(time.Hour).Format("2006010215"))
}
