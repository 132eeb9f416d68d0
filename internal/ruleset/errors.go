package ruleset

import "errors"

// Sentinel errors for the ruleset service layer.
var (
	ErrInvalidMinPilots = errors.New("ruleset: min pilots must be at least 1")
	ErrNegativeID       = errors.New("ruleset: tracked ids must be positive")
)
