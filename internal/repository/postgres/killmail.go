package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/battlescope/internal/domain"
)

// KillmailRepo stores accepted killmail events.
type KillmailRepo struct{ db *sql.DB }

// NewKillmailRepo creates a Postgres-backed killmail repository.
func NewKillmailRepo(db *sql.DB) *KillmailRepo { return &KillmailRepo{db: db} }

const killmailColumns = `k.killmail_id, k.system_id, k.occurred_at,
	k.victim_alliance_id, k.victim_corp_id, k.victim_character_id,
	k.attacker_alliance_ids, k.attacker_corp_ids, k.attacker_character_ids,
	k.isk_value, k.zkb_url, k.fetched_at, k.processed_at, k.battle_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanKillmail reads the killmailColumns projection, followed by any extra
// destinations the caller selected after it.
func scanKillmail(s rowScanner, extra ...any) (domain.KillmailEvent, error) {
	var (
		ev                           domain.KillmailEvent
		victimAlliance, victimCorp   sql.NullInt64
		victimCharacter              sql.NullInt64
		alliances, corps, characters []sql.NullInt64
		isk                          sql.NullFloat64
		processedAt                  sql.NullTime
		battleID                     sql.NullString
	)
	dest := []any{
		&ev.KillmailID, &ev.SystemID, &ev.OccurredAt,
		&victimAlliance, &victimCorp, &victimCharacter,
		&pq.GenericArray{A: &alliances}, &pq.GenericArray{A: &corps}, &pq.GenericArray{A: &characters},
		&isk, &ev.ZKBURL, &ev.FetchedAt, &processedAt, &battleID,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return domain.KillmailEvent{}, err
	}
	ev.VictimAllianceID = int64Ptr(victimAlliance)
	ev.VictimCorpID = int64Ptr(victimCorp)
	ev.VictimCharacterID = int64Ptr(victimCharacter)
	ev.AttackerAllianceIDs = idSlice(alliances)
	ev.AttackerCorpIDs = idSlice(corps)
	ev.AttackerCharacterIDs = idSlice(characters)
	ev.ISKValue = float64Ptr(isk)
	ev.ProcessedAt = timePtr(processedAt)
	ev.BattleID = stringPtr(battleID)
	return ev, nil
}

// Exists reports whether a killmail has already been stored.
func (r *KillmailRepo) Exists(ctx context.Context, killmailID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM killmails WHERE killmail_id = $1)`,
		killmailID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check killmail %d: %w", killmailID, err)
	}
	return exists, nil
}

// ExistingIDs returns the subset of ids already stored.
func (r *KillmailRepo) ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT killmail_id FROM killmails WHERE killmail_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("existing killmails: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// InsertAccepted writes the event and its pending enrichment row in one
// transaction. It reports false when another writer stored the id first.
func (r *KillmailRepo) InsertAccepted(ctx context.Context, ev domain.KillmailEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin insert killmail: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO killmails (
			killmail_id, system_id, occurred_at,
			victim_alliance_id, victim_corp_id, victim_character_id,
			attacker_alliance_ids, attacker_corp_ids, attacker_character_ids,
			isk_value, zkb_url, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (killmail_id) DO NOTHING
	`, ev.KillmailID, ev.SystemID, ev.OccurredAt,
		nullInt64(ev.VictimAllianceID), nullInt64(ev.VictimCorpID), nullInt64(ev.VictimCharacterID),
		idArray(ev.AttackerAllianceIDs), idArray(ev.AttackerCorpIDs), idArray(ev.AttackerCharacterIDs),
		nullFloat64(ev.ISKValue), ev.ZKBURL, ev.FetchedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert killmail %d: %w", ev.KillmailID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO killmail_enrichments (killmail_id, status, created_at, updated_at)
		VALUES ($1, 'pending', NOW(), NOW())
		ON CONFLICT (killmail_id) DO NOTHING
	`, ev.KillmailID); err != nil {
		return false, fmt.Errorf("insert enrichment %d: %w", ev.KillmailID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit killmail %d: %w", ev.KillmailID, err)
	}
	return true, nil
}

// Get returns one stored killmail. It returns sql.ErrNoRows when absent.
func (r *KillmailRepo) Get(ctx context.Context, killmailID int64) (domain.KillmailEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+killmailColumns+` FROM killmails k WHERE k.killmail_id = $1`,
		killmailID,
	)
	return scanKillmail(row)
}

// LoadUnprocessed returns events not yet consumed by clustering that occurred
// before the cutoff, oldest first.
func (r *KillmailRepo) LoadUnprocessed(ctx context.Context, before time.Time, limit int) ([]domain.KillmailEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+killmailColumns+`
		FROM killmails k
		WHERE k.processed_at IS NULL AND k.occurred_at < $1
		ORDER BY k.occurred_at, k.killmail_id
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("load unprocessed killmails: %w", err)
	}
	defer rows.Close()

	var out []domain.KillmailEvent
	for rows.Next() {
		ev, err := scanKillmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan killmail: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
