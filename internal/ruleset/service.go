package ruleset

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// Service implements ruleset reads and updates.
type Service struct {
	repo  Repository
	cache *Cache
	redis *redis.Client
}

// NewService creates a ruleset service. redisClient may be nil; updates are
// then visible to other processes once their TTL expires.
func NewService(repo Repository, cache *Cache, redisClient *redis.Client) *Service {
	return &Service{repo: repo, cache: cache, redis: redisClient}
}

// Current returns the ruleset in effect.
func (s *Service) Current(ctx context.Context) (domain.Ruleset, error) {
	return s.cache.Get(ctx)
}

// Update validates and saves rs, drops the local cache and announces the new
// version. A failed announcement is logged; the TTL bounds staleness.
func (s *Service) Update(ctx context.Context, rs domain.Ruleset) (domain.Ruleset, error) {
	if err := validate(&rs); err != nil {
		return domain.Ruleset{}, err
	}

	saved, err := s.repo.Save(ctx, rs)
	if err != nil {
		return domain.Ruleset{}, fmt.Errorf("save ruleset: %w", err)
	}
	s.cache.Invalidate(ctx)

	if s.redis != nil {
		if err := s.redis.Publish(ctx, InvalidateChannel, strconv.FormatInt(saved.Version, 10)).Err(); err != nil {
			logger.Warn("[Ruleset] failed to publish invalidation", "error", err, "version", saved.Version)
		}
	}
	logger.Info("[Ruleset] ruleset updated",
		"version", saved.Version,
		"min_pilots", saved.MinPilots,
		"tracked_alliances", len(saved.TrackedAllianceIDs),
		"tracked_corps", len(saved.TrackedCorpIDs),
		"ignore_unlisted", saved.IgnoreUnlisted)
	return saved, nil
}

// validate rejects impossible values and normalises the tracked id lists
// (sorted, deduplicated).
func validate(rs *domain.Ruleset) error {
	if rs.MinPilots < 1 {
		return ErrInvalidMinPilots
	}
	var err error
	if rs.TrackedAllianceIDs, err = normaliseIDs(rs.TrackedAllianceIDs); err != nil {
		return err
	}
	if rs.TrackedCorpIDs, err = normaliseIDs(rs.TrackedCorpIDs); err != nil {
		return err
	}
	return nil
}

func normaliseIDs(ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrNegativeID, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
