package domain

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func eventWith(victimAlliance int64, attackerAlliances ...int64) KillmailEvent {
	ev := KillmailEvent{
		KillmailID:       1,
		VictimAllianceID: Int64Ptr(victimAlliance),
	}
	for i, a := range attackerAlliances {
		ev.AttackerAllianceIDs = append(ev.AttackerAllianceIDs, a)
		ev.AttackerCorpIDs = append(ev.AttackerCorpIDs, 0)
		ev.AttackerCharacterIDs = append(ev.AttackerCharacterIDs, int64(9000+i))
	}
	return ev
}

func TestRulesetEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		rules  Ruleset
		event  KillmailEvent
		accept bool
		reason RejectReason
	}{
		{
			name:   "default accepts solo kill",
			rules:  DefaultRuleset(),
			event:  eventWith(0, 0),
			accept: true,
			reason: ReasonAccepted,
		},
		{
			name:   "below min pilots",
			rules:  Ruleset{MinPilots: 5},
			event:  eventWith(10, 20, 20),
			reason: ReasonBelowMinPilots,
		},
		{
			name:   "exactly min pilots",
			rules:  Ruleset{MinPilots: 3},
			event:  eventWith(10, 20, 20),
			accept: true,
			reason: ReasonAccepted,
		},
		{
			name:   "unlisted rejected",
			rules:  Ruleset{MinPilots: 1, IgnoreUnlisted: true, TrackedAllianceIDs: []int64{99}},
			event:  eventWith(10, 20),
			reason: ReasonUnlisted,
		},
		{
			name:   "tracked attacker alliance accepted",
			rules:  Ruleset{MinPilots: 1, IgnoreUnlisted: true, TrackedAllianceIDs: []int64{20}},
			event:  eventWith(10, 20),
			accept: true,
			reason: ReasonAccepted,
		},
		{
			name:   "tracked victim corp accepted",
			rules:  Ruleset{MinPilots: 1, IgnoreUnlisted: true, TrackedCorpIDs: []int64{77}},
			event:  KillmailEvent{VictimCorpID: Int64Ptr(77)},
			accept: true,
			reason: ReasonAccepted,
		},
		{
			name:   "ignore unlisted with empty tracked sets",
			rules:  Ruleset{MinPilots: 1, IgnoreUnlisted: true},
			event:  eventWith(10, 20),
			reason: ReasonUnlisted,
		},
		{
			name:   "unlisted allowed when policy is off",
			rules:  Ruleset{MinPilots: 1, TrackedAllianceIDs: []int64{99}},
			event:  eventWith(10, 20),
			accept: true,
			reason: ReasonAccepted,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := tt.rules.Evaluate(tt.event)
			assert.Equal(t, tt.accept, d.Accepted)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestProperty_MinPilotsRejectsRegardlessOfAffiliation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("events below the pilot floor are always rejected", prop.ForAll(
		func(attackers int, extra int, tracked int64) bool {
			alliances := make([]int64, attackers)
			for i := range alliances {
				alliances[i] = tracked
			}
			ev := eventWith(tracked, alliances...)
			rules := Ruleset{
				MinPilots:          ev.ParticipantCount() + extra,
				TrackedAllianceIDs: []int64{tracked},
				IgnoreUnlisted:     extra%2 == 0,
			}
			d := rules.Evaluate(ev)
			return !d.Accepted && d.Reason == ReasonBelowMinPilots
		},
		gen.IntRange(0, 50),
		gen.IntRange(1, 20),
		gen.Int64Range(1, 1_000_000),
	))

	properties.Property("ignore-unlisted rejects events without tracked ids", prop.ForAll(
		func(victim int64, attackers []int64) bool {
			ev := eventWith(victim, attackers...)
			// Tracked ids live in a range the generators never produce.
			rules := Ruleset{
				MinPilots:          1,
				IgnoreUnlisted:     true,
				TrackedAllianceIDs: []int64{5_000_001},
				TrackedCorpIDs:     []int64{5_000_002},
			}
			return !rules.Evaluate(ev).Accepted
		},
		gen.Int64Range(0, 5_000_000),
		gen.SliceOf(gen.Int64Range(0, 5_000_000)),
	))

	properties.TestingRun(t)
}

func TestKillmailEventAllianceIDs(t *testing.T) {
	ev := eventWith(10, 20, 0, 10, 30, 20)
	assert.Equal(t, []int64{10, 20, 30}, ev.AllianceIDs())
	assert.Equal(t, 6, ev.ParticipantCount())
}
