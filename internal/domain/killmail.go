package domain

import "time"

// KillmailEvent is one raw combat event as ingested from the feed.
//
// The attacker slices are parallel: index i of each slice describes the same
// attacker. A zero id marks an attacker without that affiliation (NPCs,
// characters outside an alliance).
type KillmailEvent struct {
	KillmailID           int64      `json:"killmail_id" db:"killmail_id"`
	SystemID             int64      `json:"system_id" db:"system_id"`
	OccurredAt           time.Time  `json:"occurred_at" db:"occurred_at"`
	VictimAllianceID     *int64     `json:"victim_alliance_id,omitempty" db:"victim_alliance_id"`
	VictimCorpID         *int64     `json:"victim_corp_id,omitempty" db:"victim_corp_id"`
	VictimCharacterID    *int64     `json:"victim_character_id,omitempty" db:"victim_character_id"`
	AttackerAllianceIDs  []int64    `json:"attacker_alliance_ids" db:"attacker_alliance_ids"`
	AttackerCorpIDs      []int64    `json:"attacker_corp_ids" db:"attacker_corp_ids"`
	AttackerCharacterIDs []int64    `json:"attacker_character_ids" db:"attacker_character_ids"`
	ISKValue             *float64   `json:"isk_value,omitempty" db:"isk_value"`
	ZKBURL               string     `json:"zkb_url" db:"zkb_url"`
	FetchedAt            time.Time  `json:"fetched_at" db:"fetched_at"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	BattleID             *string    `json:"battle_id,omitempty" db:"battle_id"`
}

// AttackerCount returns the number of attacker entries on the event.
func (k KillmailEvent) AttackerCount() int {
	n := len(k.AttackerCharacterIDs)
	if len(k.AttackerCorpIDs) > n {
		n = len(k.AttackerCorpIDs)
	}
	if len(k.AttackerAllianceIDs) > n {
		n = len(k.AttackerAllianceIDs)
	}
	return n
}

// ParticipantCount is the victim plus every attacker entry.
func (k KillmailEvent) ParticipantCount() int {
	return 1 + k.AttackerCount()
}

// AllianceIDs returns the distinct non-zero alliance ids on both sides, victim
// first, in first-seen order.
func (k KillmailEvent) AllianceIDs() []int64 {
	seen := make(map[int64]struct{}, len(k.AttackerAllianceIDs)+1)
	out := make([]int64, 0, len(k.AttackerAllianceIDs)+1)
	add := func(id int64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if k.VictimAllianceID != nil {
		add(*k.VictimAllianceID)
	}
	for _, id := range k.AttackerAllianceIDs {
		add(id)
	}
	return out
}

// Attacker returns the ids of the i-th attacker, zero where absent.
func (k KillmailEvent) Attacker(i int) (allianceID, corpID, characterID int64) {
	if i < len(k.AttackerAllianceIDs) {
		allianceID = k.AttackerAllianceIDs[i]
	}
	if i < len(k.AttackerCorpIDs) {
		corpID = k.AttackerCorpIDs[i]
	}
	if i < len(k.AttackerCharacterIDs) {
		characterID = k.AttackerCharacterIDs[i]
	}
	return allianceID, corpID, characterID
}

// Int64Ptr returns a pointer to v, or nil when v is zero.
func Int64Ptr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
