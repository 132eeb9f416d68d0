// Package shiphistory derives the per-pilot ship history table from stored
// killmails and their enrichment payloads, and rebuilds it on demand.
package shiphistory

import (
	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/killmail"
)

// Source is one killmail joined with its enrichment record.
type Source struct {
	Event      domain.KillmailEvent
	Enrichment domain.KillmailEnrichment
}

// Processor turns one enriched killmail into ship history rows. It is
// stateless and safe for concurrent use.
type Processor struct{}

// NewProcessor creates a processor.
func NewProcessor() *Processor { return &Processor{} }

// ProcessKillmail returns one row for the victim and one per distinct
// attacking character, skipping anyone without both a character and a ship
// type. It returns nil unless the enrichment succeeded with a readable
// payload.
func (p *Processor) ProcessKillmail(ev domain.KillmailEvent, enr domain.KillmailEnrichment) []domain.PilotShipHistory {
	raw, ok := enr.Payload()
	if !ok {
		return nil
	}
	km, err := killmail.Parse(raw)
	if err != nil {
		return nil
	}

	total := ev.ISKValue
	if total == nil && km.Zkb != nil && km.Zkb.TotalValue > 0 {
		v := km.Zkb.TotalValue
		total = &v
	}

	row := func(characterID, shipTypeID, allianceID, corpID int64) domain.PilotShipHistory {
		return domain.PilotShipHistory{
			KillmailID:    ev.KillmailID,
			CharacterID:   characterID,
			ShipTypeID:    shipTypeID,
			AllianceID:    domain.Int64Ptr(allianceID),
			CorpID:        domain.Int64Ptr(corpID),
			SystemID:      ev.SystemID,
			KillmailValue: total,
			OccurredAt:    ev.OccurredAt,
			ZKBURL:        ev.ZKBURL,
		}
	}

	var out []domain.PilotShipHistory
	seen := make(map[int64]struct{}, len(km.Attackers)+1)

	if v := km.Victim; v.CharacterID != 0 && v.ShipTypeID != 0 {
		r := row(v.CharacterID, v.ShipTypeID, v.AllianceID, v.CorporationID)
		r.IsLoss = true
		r.ShipValue = total
		if km.Zkb != nil && km.Zkb.FittedValue > 0 {
			fitted := km.Zkb.FittedValue
			r.ShipValue = &fitted
		}
		out = append(out, r)
		seen[v.CharacterID] = struct{}{}
	}

	for _, a := range km.Attackers {
		if a.CharacterID == 0 || a.ShipTypeID == 0 {
			continue
		}
		if _, dup := seen[a.CharacterID]; dup {
			continue
		}
		seen[a.CharacterID] = struct{}{}
		out = append(out, row(a.CharacterID, a.ShipTypeID, a.AllianceID, a.CorporationID))
	}
	return out
}
