package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/battlescope/internal/domain"
)

// ErrEnrichmentNotFound is returned when a killmail has no enrichment row.
var ErrEnrichmentNotFound = errors.New("enrichment not found")

// EnrichmentRepo persists enrichment state transitions.
type EnrichmentRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewEnrichmentRepo creates a Postgres-backed enrichment repository.
func NewEnrichmentRepo(db *sql.DB) *EnrichmentRepo {
	return &EnrichmentRepo{db: db, now: time.Now}
}

// jsonbParam passes a payload as text. lib/pq would otherwise encode a byte
// slice as bytea.
func jsonbParam(payload []byte) sql.NullString {
	if len(payload) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(payload), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// Transition stores state as the current enrichment of a killmail, creating
// the row if it is missing.
func (r *EnrichmentRepo) Transition(ctx context.Context, killmailID int64, state domain.EnrichmentState) error {
	row := domain.ToRow(state, r.now().UTC())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO killmail_enrichments (killmail_id, status, payload, error, fetched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (killmail_id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			error = EXCLUDED.error,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = EXCLUDED.updated_at
	`, killmailID, string(row.Status), jsonbParam(row.Payload), nullString(row.Error),
		nullTime(row.FetchedAt), row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transition enrichment %d to %s: %w", killmailID, row.Status, err)
	}
	return nil
}

// Get returns the enrichment record of a killmail.
func (r *EnrichmentRepo) Get(ctx context.Context, killmailID int64) (domain.KillmailEnrichment, error) {
	var (
		status    string
		payload   []byte
		errText   sql.NullString
		fetchedAt sql.NullTime
		e         = domain.KillmailEnrichment{KillmailID: killmailID}
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT status, payload, error, fetched_at, created_at, updated_at
		FROM killmail_enrichments WHERE killmail_id = $1
	`, killmailID).Scan(&status, &payload, &errText, &fetchedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.KillmailEnrichment{}, ErrEnrichmentNotFound
	}
	if err != nil {
		return domain.KillmailEnrichment{}, fmt.Errorf("get enrichment %d: %w", killmailID, err)
	}

	state, err := domain.FromRow(domain.EnrichmentRow{
		Status:    domain.EnrichmentStatus(status),
		Payload:   payload,
		Error:     stringPtr(errText),
		FetchedAt: timePtr(fetchedAt),
		UpdatedAt: e.UpdatedAt,
	})
	if err != nil {
		return domain.KillmailEnrichment{}, fmt.Errorf("enrichment %d: %w", killmailID, err)
	}
	e.State = state
	return e, nil
}

// Stranded returns killmails whose enrichment has not moved since before the
// cutoff: pending rows whose enqueue was lost and processing rows whose
// worker died.
func (r *EnrichmentRepo) Stranded(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT killmail_id FROM killmail_enrichments
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
}

// IDsByStatus lists killmails in one enrichment status, oldest update first.
func (r *EnrichmentRepo) IDsByStatus(ctx context.Context, status domain.EnrichmentStatus, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT killmail_id FROM killmail_enrichments
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2
	`, string(status), limit)
}

// ResetFailed moves failed enrichments back to pending so they can be
// re-enqueued. It returns the ids that were reset.
func (r *EnrichmentRepo) ResetFailed(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.ids(ctx, `
		UPDATE killmail_enrichments
		SET status = 'pending', error = NULL, payload = NULL, fetched_at = NULL, updated_at = NOW()
		WHERE killmail_id = ANY($1) AND status = 'failed'
		RETURNING killmail_id
	`, pq.Array(ids))
}

// CountByStatus returns the number of enrichment rows per status.
func (r *EnrichmentRepo) CountByStatus(ctx context.Context) (map[domain.EnrichmentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM killmail_enrichments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count enrichments: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EnrichmentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.EnrichmentStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *EnrichmentRepo) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list enrichments: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
