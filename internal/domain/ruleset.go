package domain

import "time"

// Ruleset is the operator-defined ingestion filter. Exactly one is active at a
// time; updates replace it and bump Version.
type Ruleset struct {
	MinPilots          int       `json:"min_pilots" db:"min_pilots"`
	TrackedAllianceIDs []int64   `json:"tracked_alliance_ids" db:"tracked_alliance_ids"`
	TrackedCorpIDs     []int64   `json:"tracked_corp_ids" db:"tracked_corp_ids"`
	IgnoreUnlisted     bool      `json:"ignore_unlisted" db:"ignore_unlisted"`
	Note               string    `json:"note" db:"note"`
	Version            int64     `json:"version" db:"version"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultRuleset accepts every event. It is what the store reports before an
// operator has saved anything.
func DefaultRuleset() Ruleset {
	return Ruleset{MinPilots: 1}
}

// RejectReason names why a ruleset turned an event away.
type RejectReason string

const (
	ReasonAccepted       RejectReason = "accepted"
	ReasonBelowMinPilots RejectReason = "below_min_pilots"
	ReasonUnlisted       RejectReason = "unlisted"
)

// Decision is the outcome of evaluating one event against a ruleset.
type Decision struct {
	Accepted bool
	Reason   RejectReason
}

// Evaluate applies the ruleset to an event. The participant floor is checked
// first and applies regardless of affiliation.
func (r Ruleset) Evaluate(ev KillmailEvent) Decision {
	if ev.ParticipantCount() < r.MinPilots {
		return Decision{Reason: ReasonBelowMinPilots}
	}
	if r.IgnoreUnlisted && !r.tracks(ev) {
		return Decision{Reason: ReasonUnlisted}
	}
	return Decision{Accepted: true, Reason: ReasonAccepted}
}

func (r Ruleset) tracks(ev KillmailEvent) bool {
	alliances := toSet(r.TrackedAllianceIDs)
	corps := toSet(r.TrackedCorpIDs)
	if len(alliances) == 0 && len(corps) == 0 {
		return false
	}
	if ev.VictimAllianceID != nil && alliances[*ev.VictimAllianceID] {
		return true
	}
	if ev.VictimCorpID != nil && corps[*ev.VictimCorpID] {
		return true
	}
	for i := 0; i < ev.AttackerCount(); i++ {
		alliance, corp, _ := ev.Attacker(i)
		if alliances[alliance] || corps[corp] {
			return true
		}
	}
	return false
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id != 0 {
			set[id] = true
		}
	}
	return set
}
