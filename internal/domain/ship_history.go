package domain

import "time"

// PilotShipHistory is one derived (killmail, character) row for a pilot seen
// flying a known ship type. The table is rebuilt from killmails and their
// enrichments and is never edited by hand.
type PilotShipHistory struct {
	KillmailID    int64     `json:"killmail_id" db:"killmail_id"`
	CharacterID   int64     `json:"character_id" db:"character_id"`
	ShipTypeID    int64     `json:"ship_type_id" db:"ship_type_id"`
	AllianceID    *int64    `json:"alliance_id,omitempty" db:"alliance_id"`
	CorpID        *int64    `json:"corp_id,omitempty" db:"corp_id"`
	SystemID      int64     `json:"system_id" db:"system_id"`
	IsLoss        bool      `json:"is_loss" db:"is_loss"`
	ShipValue     *float64  `json:"ship_value,omitempty" db:"ship_value"`
	KillmailValue *float64  `json:"killmail_value,omitempty" db:"killmail_value"`
	OccurredAt    time.Time `json:"occurred_at" db:"occurred_at"`
	ZKBURL        string    `json:"zkb_url" db:"zkb_url"`
}
