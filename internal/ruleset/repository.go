package ruleset

import (
	"context"

	"github.com/ignite/battlescope/internal/domain"
)

// Redis keys shared by every process.
const (
	ActiveKey         = "battlescope:ruleset:active"
	InvalidateChannel = "battlescope:ruleset:invalidate"
)

// Repository defines the data access contract for the singleton ruleset.
type Repository interface {
	// Get returns the active ruleset, or domain.DefaultRuleset() when none
	// has been saved yet.
	Get(ctx context.Context) (domain.Ruleset, error)

	// Save replaces the active ruleset and returns it with its new version
	// and timestamps.
	Save(ctx context.Context, rs domain.Ruleset) (domain.Ruleset, error)
}
