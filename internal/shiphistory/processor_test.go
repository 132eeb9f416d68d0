package shiphistory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/battlescope/internal/domain"
)

var occurred = time.Date(2026, 4, 2, 20, 15, 0, 0, time.UTC)

func event(id int64, isk *float64) domain.KillmailEvent {
	return domain.KillmailEvent{
		KillmailID: id,
		SystemID:   30002187,
		OccurredAt: occurred,
		ISKValue:   isk,
		ZKBURL:     "https://zkillboard.com/kill/1/",
	}
}

func succeeded(payload string) domain.KillmailEnrichment {
	return domain.KillmailEnrichment{State: domain.Succeeded{Payload: json.RawMessage(payload)}}
}

func f64(v float64) *float64 { return &v }

func TestProcessKillmail(t *testing.T) {
	payload := `{
		"killmail_id": 1,
		"victim": {"character_id": 100, "ship_type_id": 587, "alliance_id": 99000001, "corporation_id": 98000001},
		"attackers": [
			{"character_id": 200, "ship_type_id": 11567, "alliance_id": 99000002},
			{"character_id": 200, "ship_type_id": 17738},
			{"character_id": 200, "ship_type_id": 3756},
			{"character_id": 300},
			{"ship_type_id": 3740},
			{"character_id": 400, "ship_type_id": 621, "corporation_id": 98000004}
		],
		"zkb": {"fittedValue": 1200000, "totalValue": 5000000}
	}`

	rows := NewProcessor().ProcessKillmail(event(1, f64(4800000)), succeeded(payload))
	require.Len(t, rows, 3)

	victim := rows[0]
	assert.Equal(t, int64(100), victim.CharacterID)
	assert.True(t, victim.IsLoss)
	assert.Equal(t, 1200000.0, *victim.ShipValue)
	assert.Equal(t, 4800000.0, *victim.KillmailValue)
	assert.Equal(t, int64(99000001), *victim.AllianceID)

	attacker := rows[1]
	assert.Equal(t, int64(200), attacker.CharacterID)
	assert.Equal(t, int64(11567), attacker.ShipTypeID, "first attacker entry wins")
	assert.False(t, attacker.IsLoss)
	assert.Nil(t, attacker.ShipValue)
	assert.Equal(t, 4800000.0, *attacker.KillmailValue)
	assert.Nil(t, attacker.CorpID)

	assert.Equal(t, int64(400), rows[2].CharacterID)
	for _, r := range rows {
		assert.Equal(t, int64(1), r.KillmailID)
		assert.Equal(t, int64(30002187), r.SystemID)
		assert.Equal(t, occurred, r.OccurredAt)
	}
}

func TestProcessKillmail_VictimValueFallsBackToTotal(t *testing.T) {
	payload := `{"killmail_id": 2, "victim": {"character_id": 100, "ship_type_id": 587}, "attackers": []}`

	rows := NewProcessor().ProcessKillmail(event(2, f64(900)), succeeded(payload))
	require.Len(t, rows, 1)
	assert.Equal(t, 900.0, *rows[0].ShipValue)
}

func TestProcessKillmail_TotalFromZKBWhenEventHasNone(t *testing.T) {
	payload := `{"killmail_id": 3, "victim": {"character_id": 100, "ship_type_id": 587}, "zkb": {"totalValue": 750}}`

	rows := NewProcessor().ProcessKillmail(event(3, nil), succeeded(payload))
	require.Len(t, rows, 1)
	assert.Equal(t, 750.0, *rows[0].KillmailValue)
	assert.Equal(t, 750.0, *rows[0].ShipValue)
}

func TestProcessKillmail_VictimAlsoAttacker(t *testing.T) {
	payload := `{"killmail_id": 4, "victim": {"character_id": 100, "ship_type_id": 587},
		"attackers": [{"character_id": 100, "ship_type_id": 587}, {"character_id": 200, "ship_type_id": 603}]}`

	rows := NewProcessor().ProcessKillmail(event(4, nil), succeeded(payload))
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsLoss)
	assert.Equal(t, int64(200), rows[1].CharacterID)
}

func TestProcessKillmail_NoRows(t *testing.T) {
	p := NewProcessor()
	tests := []struct {
		name string
		enr  domain.KillmailEnrichment
	}{
		{"pending", domain.KillmailEnrichment{State: domain.Pending{}}},
		{"processing", domain.KillmailEnrichment{State: domain.Processing{}}},
		{"failed", domain.KillmailEnrichment{State: domain.Failed{Reason: "404"}}},
		{"malformed payload", succeeded(`{"victim":`)},
		{"no killmail id", succeeded(`{"victim": {"character_id": 1, "ship_type_id": 2}}`)},
		{"npc only", succeeded(`{"killmail_id": 5, "victim": {"ship_type_id": 2}, "attackers": [{"ship_type_id": 3}]}`)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, p.ProcessKillmail(event(5, nil), tt.enr))
		})
	}
}
