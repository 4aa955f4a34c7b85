// Package weights derives each eligible account's proportional-allocation
// weight for a settlement run from balance history.
//
// Two strategies are supported: plain balance share (weight = latest
// balance) and time-weighted average balance scaled by a holder tier
// multiplier. Both return one AccountWeight per eligible account, sorted by
// weight descending, with excluded accounts omitted.
package weights

import (
	"context"
	"time"
)

// AccountWeight is one account's allocation key. Tier and Multiplier are
// zero-valued when the strategy does not use holder tiers.
type AccountWeight struct {
	Account    string
	Weight     float64
	Tier       int
	Multiplier float64
}

// Calculator computes weights for all eligible accounts over a settlement
// window [start, end).
type Calculator interface {
	Weights(ctx context.Context, start, end time.Time) ([]AccountWeight, error)
}
