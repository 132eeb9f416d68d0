package domain

import "time"

// SecurityClass is the coarse security band of a solar system.
type SecurityClass string

const (
	SecurityHigh     SecurityClass = "highsec"
	SecurityLow      SecurityClass = "lowsec"
	SecurityNull     SecurityClass = "nullsec"
	SecurityWormhole SecurityClass = "wormhole"
	SecurityPochven  SecurityClass = "pochven"
	SecurityAbyssal  SecurityClass = "abyssal"
	SecurityUnknown  SecurityClass = "unknown"
)

// Battle is a cluster of correlated killmails in one system. Battles are
// written once by the clustering job.
type Battle struct {
	ID            string        `json:"id" db:"id"`
	SystemID      int64         `json:"system_id" db:"system_id"`
	SecurityClass SecurityClass `json:"security_class" db:"security_class"`
	RegionID      *int64        `json:"region_id,omitempty" db:"region_id"`
	StartTime     time.Time     `json:"start_time" db:"start_time"`
	EndTime       time.Time     `json:"end_time" db:"end_time"`
	TotalKills    int           `json:"total_kills" db:"total_kills"`
	TotalISK      float64       `json:"total_isk" db:"total_isk"`
	ZKBRelatedURL string        `json:"zkb_related_url" db:"zkb_related_url"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// BattleParticipant is one deduplicated roster entry of a battle.
type BattleParticipant struct {
	BattleID    string `json:"battle_id" db:"battle_id"`
	CharacterID int64  `json:"character_id" db:"character_id"`
	AllianceID  *int64 `json:"alliance_id,omitempty" db:"alliance_id"`
	CorpID      *int64 `json:"corp_id,omitempty" db:"corp_id"`
	ShipTypeID  *int64 `json:"ship_type_id,omitempty" db:"ship_type_id"`
	IsVictim    bool   `json:"is_victim" db:"is_victim"`
}

// BattleKillmail links a killmail to the battle that absorbed it.
type BattleKillmail struct {
	BattleID   string `json:"battle_id" db:"battle_id"`
	KillmailID int64  `json:"killmail_id" db:"killmail_id"`
}
