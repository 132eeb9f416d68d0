package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/battlescope/internal/domain"
)

// RulesetRepo implements ruleset.Repository against the singleton row.
type RulesetRepo struct{ db *sql.DB }

// NewRulesetRepo creates a Postgres-backed ruleset repository.
func NewRulesetRepo(db *sql.DB) *RulesetRepo { return &RulesetRepo{db: db} }

// Get returns the active ruleset, or the accept-all default when no row
// exists yet.
func (r *RulesetRepo) Get(ctx context.Context) (domain.Ruleset, error) {
	var rs domain.Ruleset
	err := r.db.QueryRowContext(ctx, `
		SELECT min_pilots, tracked_alliance_ids, tracked_corp_ids, ignore_unlisted,
		       note, version, created_at, updated_at
		FROM rulesets WHERE id = 1
	`).Scan(&rs.MinPilots, pq.Array(&rs.TrackedAllianceIDs), pq.Array(&rs.TrackedCorpIDs),
		&rs.IgnoreUnlisted, &rs.Note, &rs.Version, &rs.CreatedAt, &rs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultRuleset(), nil
	}
	if err != nil {
		return domain.Ruleset{}, fmt.Errorf("get ruleset: %w", err)
	}
	return rs, nil
}

// Save upserts the singleton row and bumps its version.
func (r *RulesetRepo) Save(ctx context.Context, rs domain.Ruleset) (domain.Ruleset, error) {
	alliances := rs.TrackedAllianceIDs
	if alliances == nil {
		alliances = []int64{}
	}
	corps := rs.TrackedCorpIDs
	if corps == nil {
		corps = []int64{}
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO rulesets (id, min_pilots, tracked_alliance_ids, tracked_corp_ids,
		                      ignore_unlisted, note, version, created_at, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, 1, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			min_pilots = EXCLUDED.min_pilots,
			tracked_alliance_ids = EXCLUDED.tracked_alliance_ids,
			tracked_corp_ids = EXCLUDED.tracked_corp_ids,
			ignore_unlisted = EXCLUDED.ignore_unlisted,
			note = EXCLUDED.note,
			version = rulesets.version + 1,
			updated_at = NOW()
		RETURNING version, created_at, updated_at
	`, rs.MinPilots, pq.Array(alliances), pq.Array(corps), rs.IgnoreUnlisted, rs.Note,
	).Scan(&rs.Version, &rs.CreatedAt, &rs.UpdatedAt)
	if err != nil {
		return domain.Ruleset{}, fmt.Errorf("save ruleset: %w", err)
	}
	rs.TrackedAllianceIDs = alliances
	rs.TrackedCorpIDs = corps
	return rs, nil
}
