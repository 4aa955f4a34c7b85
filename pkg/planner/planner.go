// Package planner turns account weights and a pool size into an exact
// per-recipient allocation. The full pool is always allocated: integer
// truncation leftovers are handed out one unit at a time to the largest
// holders, so the plan's amounts sum to the pool exactly.
package planner

import (
	"errors"
	"log/slog"
	"math"
	"sort"

	"github.com/malbeclabs/payout/pkg/weights"
)

// RecipientShare is one account's slice of the pool. SharePercentage is the
// pre-truncation proportional share; Amount is the final integer allocation
// after remainder assignment.
type RecipientShare struct {
	Account         string
	Weight          float64
	SharePercentage float64
	Amount          uint64
}

// Plan is a fully-allocated distribution, ready for transfer execution.
// Recipients are ordered by weight descending and never carry a zero
// amount.
type Plan struct {
	PoolAmount    uint64
	TotalWeight   float64
	TriggerReason string
	Recipients    []RecipientShare
}

type Config struct {
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Planner struct {
	log *slog.Logger
}

func New(cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Planner{log: cfg.Logger}, nil
}

// Build allocates the pool across the weighted accounts. It returns nil
// when the pool is empty or the total weight is not positive; both are
// expected outcomes for the caller to log and skip, not errors.
func (p *Planner) Build(pool uint64, accountWeights []weights.AccountWeight, reason string) *Plan {
	if pool == 0 {
		p.log.Warn("planner: pool is empty, nothing to distribute")
		return nil
	}

	var total float64
	for _, w := range accountWeights {
		total += w.Weight
	}
	if total <= 0 {
		p.log.Warn("planner: total weight is not positive, cannot compute shares",
			"accounts", len(accountWeights))
		return nil
	}

	// First pass: truncated proportional amounts. Zero-amount recipients
	// stay in for now; remainder assignment may still reach them.
	recipients := make([]RecipientShare, 0, len(accountWeights))
	var distributed uint64
	for _, w := range accountWeights {
		share := w.Weight / total
		amount := truncatedShare(pool, share, pool-distributed)
		distributed += amount
		recipients = append(recipients, RecipientShare{
			Account:         w.Account,
			Weight:          w.Weight,
			SharePercentage: share * 100,
			Amount:          amount,
		})
	}

	// Second pass: hand the truncation remainder out one unit at a time,
	// cycling through the recipients by weight descending so the leftover
	// units land on the largest holders first.
	sort.SliceStable(recipients, func(i, j int) bool { return recipients[i].Weight > recipients[j].Weight })
	remainder := pool - distributed
	for i := uint64(0); i < remainder; i++ {
		recipients[i%uint64(len(recipients))].Amount++
	}

	// Dust that still ended up with nothing is dropped from the plan.
	final := recipients[:0]
	for _, r := range recipients {
		if r.Amount > 0 {
			final = append(final, r)
		}
	}

	p.log.Debug("planner: built distribution plan",
		"pool", pool, "recipients", len(final), "remainder", remainder, "trigger", reason)

	return &Plan{
		PoolAmount:    pool,
		TotalWeight:   total,
		TriggerReason: reason,
		Recipients:    final,
	}
}

// truncatedShare converts a fractional share of the pool into whole units,
// clamped to what remains unallocated so float rounding can never push the
// running total past the pool.
func truncatedShare(pool uint64, share float64, left uint64) uint64 {
	f := float64(pool) * share
	if f >= math.MaxUint64 {
		return left
	}
	amount := uint64(f)
	if amount > left {
		return left
	}
	return amount
}
