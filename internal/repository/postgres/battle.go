package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/battlescope/internal/clustering"
	"github.com/ignite/battlescope/internal/domain"
)

// BattleRepo persists clustering output.
type BattleRepo struct{ db *sql.DB }

// NewBattleRepo creates a Postgres-backed battle repository.
func NewBattleRepo(db *sql.DB) *BattleRepo { return &BattleRepo{db: db} }

// SucceededPayloads returns the payloads of the given killmails whose
// enrichment succeeded.
func (r *BattleRepo) SucceededPayloads(ctx context.Context, killmailIDs []int64) (map[int64]json.RawMessage, error) {
	out := make(map[int64]json.RawMessage)
	if len(killmailIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT killmail_id, payload FROM killmail_enrichments
		WHERE status = 'succeeded' AND killmail_id = ANY($1)
	`, pq.Array(killmailIDs))
	if err != nil {
		return nil, fmt.Errorf("load payloads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

// SaveResult writes battles, participants and links, stamps battle_id on
// absorbed killmails and processed_at on every input killmail, all in one
// transaction.
func (r *BattleRepo) SaveResult(ctx context.Context, res clustering.Result, processedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save battles: %w", err)
	}
	defer tx.Rollback()

	for _, plan := range res.Battles {
		if err := insertPlan(ctx, tx, plan, processedAt); err != nil {
			return err
		}
	}

	if len(res.IgnoredKillmailIDs) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE killmails SET processed_at = $1 WHERE killmail_id = ANY($2)`,
			processedAt, pq.Array(res.IgnoredKillmailIDs),
		); err != nil {
			return fmt.Errorf("mark ignored killmails: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit battles: %w", err)
	}
	return nil
}

func insertPlan(ctx context.Context, tx *sql.Tx, plan clustering.Plan, processedAt time.Time) error {
	b := plan.Battle
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO battles (id, system_id, security_class, region_id, start_time, end_time,
		                     total_kills, total_isk, zkb_related_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.ID, b.SystemID, string(b.SecurityClass), nullInt64(b.RegionID), b.StartTime, b.EndTime,
		b.TotalKills, b.TotalISK, b.ZKBRelatedURL, processedAt,
	); err != nil {
		return fmt.Errorf("insert battle %s: %w", b.ID, err)
	}

	for _, p := range plan.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO battle_participants (battle_id, character_id, alliance_id, corp_id, ship_type_id, is_victim)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (battle_id, character_id) DO NOTHING
		`, b.ID, p.CharacterID, nullInt64(p.AllianceID), nullInt64(p.CorpID), nullInt64(p.ShipTypeID), p.IsVictim,
		); err != nil {
			return fmt.Errorf("insert participant %d of battle %s: %w", p.CharacterID, b.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO battle_killmails (battle_id, killmail_id)
		SELECT $1, UNNEST($2::bigint[])
	`, b.ID, pq.Array(plan.KillmailIDs)); err != nil {
		return fmt.Errorf("link killmails to battle %s: %w", b.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE killmails SET battle_id = $1, processed_at = $2 WHERE killmail_id = ANY($3)`,
		b.ID, processedAt, pq.Array(plan.KillmailIDs),
	); err != nil {
		return fmt.Errorf("mark killmails of battle %s: %w", b.ID, err)
	}
	return nil
}

// Get returns a battle by id.
func (r *BattleRepo) Get(ctx context.Context, id string) (domain.Battle, error) {
	var (
		b      domain.Battle
		class  string
		region sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, system_id, security_class, region_id, start_time, end_time,
		       total_kills, total_isk, zkb_related_url, created_at
		FROM battles WHERE id = $1
	`, id).Scan(&b.ID, &b.SystemID, &class, &region, &b.StartTime, &b.EndTime,
		&b.TotalKills, &b.TotalISK, &b.ZKBRelatedURL, &b.CreatedAt)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("get battle %s: %w", id, err)
	}
	b.SecurityClass = domain.SecurityClass(class)
	b.RegionID = int64Ptr(region)
	return b, nil
}
