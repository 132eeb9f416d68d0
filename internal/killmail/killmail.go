// Package killmail holds the upstream wire shapes of a killmail (the ESI body
// plus the killboard's zkb block) and their conversion to domain events.
package killmail

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/battlescope/internal/domain"
)

// ErrMalformed is returned when a payload does not describe a killmail.
var ErrMalformed = errors.New("killmail: malformed payload")

// Victim is the losing side of a killmail.
type Victim struct {
	AllianceID    int64 `json:"alliance_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	CharacterID   int64 `json:"character_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`
	DamageTaken   int64 `json:"damage_taken,omitempty"`
}

// Attacker is one entry of the attackers array.
type Attacker struct {
	AllianceID     int64   `json:"alliance_id,omitempty"`
	CorporationID  int64   `json:"corporation_id,omitempty"`
	CharacterID    int64   `json:"character_id,omitempty"`
	ShipTypeID     int64   `json:"ship_type_id,omitempty"`
	WeaponTypeID   int64   `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done,omitempty"`
	FinalBlow      bool    `json:"final_blow,omitempty"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// ZKB is the killboard metadata block.
type ZKB struct {
	LocationID     int64   `json:"locationID,omitempty"`
	Hash           string  `json:"hash,omitempty"`
	FittedValue    float64 `json:"fittedValue,omitempty"`
	DroppedValue   float64 `json:"droppedValue,omitempty"`
	DestroyedValue float64 `json:"destroyedValue,omitempty"`
	TotalValue     float64 `json:"totalValue,omitempty"`
	Points         int     `json:"points,omitempty"`
	NPC            bool    `json:"npc,omitempty"`
	Solo           bool    `json:"solo,omitempty"`
	Awox           bool    `json:"awox,omitempty"`
	Href           string  `json:"href,omitempty"`
}

// Killmail is the combined ESI body and zkb block. The detail endpoint and
// the feed both return this shape; ESI alone returns it without Zkb.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  time.Time  `json:"killmail_time"`
	SolarSystemID int64      `json:"solar_system_id"`
	MoonID        int64      `json:"moon_id,omitempty"`
	WarID         int64      `json:"war_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
	Zkb           *ZKB       `json:"zkb,omitempty"`
}

// Parse decodes a stored or fetched payload. A payload without a killmail id
// is malformed.
func Parse(raw []byte) (*Killmail, error) {
	var km Killmail
	if err := json.Unmarshal(raw, &km); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if km.KillmailID == 0 {
		return nil, fmt.Errorf("%w: missing killmail_id", ErrMalformed)
	}
	return &km, nil
}

// URL is the public killboard page of a killmail.
func URL(killmailID int64) string {
	return fmt.Sprintf("https://zkillboard.com/kill/%d/", killmailID)
}

// ToEvent flattens a killmail into the ingestion record. zkb may be nil when
// the body came from ESI without killboard metadata.
func ToEvent(km *Killmail, zkb *ZKB, fetchedAt time.Time) domain.KillmailEvent {
	if zkb == nil {
		zkb = km.Zkb
	}
	ev := domain.KillmailEvent{
		KillmailID:           km.KillmailID,
		SystemID:             km.SolarSystemID,
		OccurredAt:           km.KillmailTime.UTC(),
		VictimAllianceID:     domain.Int64Ptr(km.Victim.AllianceID),
		VictimCorpID:         domain.Int64Ptr(km.Victim.CorporationID),
		VictimCharacterID:    domain.Int64Ptr(km.Victim.CharacterID),
		AttackerAllianceIDs:  make([]int64, len(km.Attackers)),
		AttackerCorpIDs:      make([]int64, len(km.Attackers)),
		AttackerCharacterIDs: make([]int64, len(km.Attackers)),
		ZKBURL:               URL(km.KillmailID),
		FetchedAt:            fetchedAt.UTC(),
	}
	for i, a := range km.Attackers {
		ev.AttackerAllianceIDs[i] = a.AllianceID
		ev.AttackerCorpIDs[i] = a.CorporationID
		ev.AttackerCharacterIDs[i] = a.CharacterID
	}
	if zkb != nil && zkb.TotalValue > 0 {
		v := zkb.TotalValue
		ev.ISKValue = &v
	}
	return ev
}

// ShipTypes maps every character on the killmail to the ship type they flew.
// The victim's entry wins over an attacker entry for the same character, and
// among attackers the first entry wins.
func (km *Killmail) ShipTypes() map[int64]int64 {
	out := make(map[int64]int64, len(km.Attackers)+1)
	if km.Victim.CharacterID != 0 && km.Victim.ShipTypeID != 0 {
		out[km.Victim.CharacterID] = km.Victim.ShipTypeID
	}
	for _, a := range km.Attackers {
		if a.CharacterID == 0 || a.ShipTypeID == 0 {
			continue
		}
		if _, ok := out[a.CharacterID]; !ok {
			out[a.CharacterID] = a.ShipTypeID
		}
	}
	return out
}
