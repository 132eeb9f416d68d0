package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/shiphistory"
)

// ShipHistoryRepo implements shiphistory.Store.
type ShipHistoryRepo struct{ db *sql.DB }

// NewShipHistoryRepo creates a Postgres-backed ship history repository.
func NewShipHistoryRepo(db *sql.DB) *ShipHistoryRepo { return &ShipHistoryRepo{db: db} }

// Truncate removes every row.
func (r *ShipHistoryRepo) Truncate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `TRUNCATE pilot_ship_history`); err != nil {
		return fmt.Errorf("truncate ship history: %w", err)
	}
	return nil
}

// DeleteSince removes rows that occurred at or after from.
func (r *ShipHistoryRepo) DeleteSince(ctx context.Context, from time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pilot_ship_history WHERE occurred_at >= $1`, from)
	if err != nil {
		return 0, fmt.Errorf("delete ship history: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of rows in the table.
func (r *ShipHistoryRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pilot_ship_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ship history: %w", err)
	}
	return n, nil
}

// CountSource counts killmails with an enrichment row, optionally only those
// at or after from.
func (r *ShipHistoryRepo) CountSource(ctx context.Context, from *time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM killmails k
		JOIN killmail_enrichments e ON e.killmail_id = k.killmail_id
		WHERE ($1::timestamptz IS NULL OR k.occurred_at >= $1)
	`, nullTime(from)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ship history sources: %w", err)
	}
	return n, nil
}

// NextBatch pages through killmails by id, joined with their enrichment.
func (r *ShipHistoryRepo) NextBatch(ctx context.Context, afterID int64, from *time.Time, limit int) ([]shiphistory.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+killmailColumns+`,
		       e.status, e.payload, e.error, e.fetched_at, e.created_at, e.updated_at
		FROM killmails k
		JOIN killmail_enrichments e ON e.killmail_id = k.killmail_id
		WHERE k.killmail_id > $1
		  AND ($2::timestamptz IS NULL OR k.occurred_at >= $2)
		ORDER BY k.killmail_id
		LIMIT $3
	`, afterID, nullTime(from), limit)
	if err != nil {
		return nil, fmt.Errorf("read ship history batch: %w", err)
	}
	defer rows.Close()

	var out []shiphistory.Source
	for rows.Next() {
		var (
			status    string
			payload   []byte
			errText   sql.NullString
			fetchedAt sql.NullTime
			enr       domain.KillmailEnrichment
		)
		ev, err := scanKillmail(rows, &status, &payload, &errText, &fetchedAt, &enr.CreatedAt, &enr.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ship history source: %w", err)
		}
		enr.KillmailID = ev.KillmailID
		enr.State, err = domain.FromRow(domain.EnrichmentRow{
			Status:    domain.EnrichmentStatus(status),
			Payload:   payload,
			Error:     stringPtr(errText),
			FetchedAt: timePtr(fetchedAt),
			UpdatedAt: enr.UpdatedAt,
		})
		if err != nil {
			// An inconsistent row yields no history; keep paging.
			enr.State = domain.Failed{Reason: err.Error()}
		}
		out = append(out, shiphistory.Source{Event: ev, Enrichment: enr})
	}
	return out, rows.Err()
}

// InsertBatch copies rows into a staging table and moves them into
// pilot_ship_history, skipping (killmail, character) pairs already present.
func (r *ShipHistoryRepo) InsertBatch(ctx context.Context, rows []domain.PilotShipHistory) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback()

	if _, err := txn.ExecContext(ctx, `
		CREATE TEMP TABLE ship_history_stage (
			killmail_id BIGINT, character_id BIGINT, ship_type_id BIGINT,
			alliance_id BIGINT, corp_id BIGINT, system_id BIGINT, is_loss BOOLEAN,
			ship_value DOUBLE PRECISION, killmail_value DOUBLE PRECISION,
			occurred_at TIMESTAMPTZ, zkb_url TEXT
		) ON COMMIT DROP
	`); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(
		"ship_history_stage",
		"killmail_id", "character_id", "ship_type_id",
		"alliance_id", "corp_id", "system_id", "is_loss",
		"ship_value", "killmail_value", "occurred_at", "zkb_url",
	))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare COPY: %w", err)
	}

	for _, h := range rows {
		if _, err := stmt.ExecContext(ctx,
			h.KillmailID, h.CharacterID, h.ShipTypeID,
			nullInt64(h.AllianceID), nullInt64(h.CorpID), h.SystemID, h.IsLoss,
			nullFloat64(h.ShipValue), nullFloat64(h.KillmailValue), h.OccurredAt, h.ZKBURL,
		); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("failed to copy row (%d, %d): %w", h.KillmailID, h.CharacterID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("failed to flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("failed to close COPY statement: %w", err)
	}

	res, err := txn.ExecContext(ctx, `
		INSERT INTO pilot_ship_history (
			killmail_id, character_id, ship_type_id, alliance_id, corp_id, system_id,
			is_loss, ship_value, killmail_value, occurred_at, zkb_url
		)
		SELECT killmail_id, character_id, ship_type_id, alliance_id, corp_id, system_id,
		       is_loss, ship_value, killmail_value, occurred_at, zkb_url
		FROM ship_history_stage
		ON CONFLICT (killmail_id, character_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ship history: %w", err)
	}
	inserted, _ := res.RowsAffected()

	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}
