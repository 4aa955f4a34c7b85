package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/malbeclabs/payout/pkg/config"
	"github.com/malbeclabs/payout/pkg/snapshots"
	"golang.org/x/sync/errgroup"
)

// SampleSource provides balance history for a window. Samples must be
// ordered by account and then by sample time ascending.
//
// Implemented by the snapshots store.
type SampleSource interface {
	SamplesInWindow(ctx context.Context, start, end time.Time) ([]snapshots.Sample, error)
}

// TierSource provides each account's current holder tier. Accounts without
// a tier record land on the first tier.
//
// Implemented by the postgres store.
type TierSource interface {
	AccountTiers(ctx context.Context) (map[string]int, error)
}

type TWABConfig struct {
	Logger  *slog.Logger
	Samples SampleSource

	// Tiers is optional; when nil every account uses the first tier's
	// multiplier.
	Tiers     TierSource
	TierTable config.TierTable

	// MinWeight drops accounts whose final weight falls below it.
	MinWeight float64

	// Excluded accounts (treasury, pool wallets) never receive a weight.
	Excluded []string

	// MaxConcurrency bounds the workers computing per-account averages.
	MaxConcurrency int
}

func (cfg *TWABConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Samples == nil {
		return errors.New("sample source is required")
	}
	if cfg.TierTable == nil {
		cfg.TierTable = config.DefaultTierTable()
	}
	if err := cfg.TierTable.Validate(); err != nil {
		return fmt.Errorf("invalid tier table: %w", err)
	}
	if cfg.MinWeight < 0 {
		return errors.New("min weight must not be negative")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return nil
}

// TWAB weighs accounts by their time-weighted average balance over the
// window, scaled by the holder tier multiplier.
type TWAB struct {
	log      *slog.Logger
	cfg      TWABConfig
	excluded map[string]struct{}
}

func NewTWAB(cfg TWABConfig) (*TWAB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	excluded := make(map[string]struct{}, len(cfg.Excluded))
	for _, account := range cfg.Excluded {
		excluded[account] = struct{}{}
	}
	return &TWAB{
		log:      cfg.Logger,
		cfg:      cfg,
		excluded: excluded,
	}, nil
}

type accountSamples struct {
	account string
	samples []snapshots.Sample
}

// Weights computes one weight per account holding during [start, end).
// Accounts and tiers are read in one pass up front so a balance change
// mid-computation cannot skew the result, then the per-account averages are
// computed on a bounded worker pool.
func (t *TWAB) Weights(ctx context.Context, start, end time.Time) ([]AccountWeight, error) {
	if !end.After(start) {
		t.log.Warn("weights: window has no duration", "start", start, "end", end)
		return nil, nil
	}

	samples, err := t.cfg.Samples.SamplesInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance samples: %w", err)
	}
	if len(samples) == 0 {
		t.log.Warn("weights: no balance samples in window", "start", start, "end", end)
		return nil, nil
	}

	tiers := map[string]int{}
	if t.cfg.Tiers != nil {
		tiers, err = t.cfg.Tiers.AccountTiers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch account tiers: %w", err)
		}
	}

	// Samples arrive grouped by account, so one pass splits the runs.
	var groups []accountSamples
	for i := 0; i < len(samples); {
		j := i
		for j < len(samples) && samples[j].Account == samples[i].Account {
			j++
		}
		if _, ok := t.excluded[samples[i].Account]; !ok {
			groups = append(groups, accountSamples{account: samples[i].Account, samples: samples[i:j]})
		}
		i = j
	}

	twabs := make([]uint64, len(groups))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MaxConcurrency)
	for i := range groups {
		g.Go(func() error {
			twabs[i] = computeTWAB(groups[i].samples, start, end)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]AccountWeight, 0, len(groups))
	for i, group := range groups {
		tier := t.cfg.TierTable.ByID(tiers[group.account])
		weight := float64(twabs[i]) * tier.Multiplier
		if weight < t.cfg.MinWeight {
			continue
		}
		out = append(out, AccountWeight{
			Account:    group.account,
			Weight:     weight,
			Tier:       tier.ID,
			Multiplier: tier.Multiplier,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })

	t.log.Debug("weights: computed time-weighted balances",
		"accounts", len(out), "samples", len(samples), "start", start, "end", end)
	return out, nil
}

// computeTWAB returns the time-weighted average balance over [start, end)
// for one account's time-ordered samples. Forward-fill: each sample holds
// from its own time until the next sample or the window end, and time
// before the account's first sample counts as zero balance, so a new holder
// is credited for exactly the time held. Segment overlaps are clamped to
// the window, and the truncating division matches the ledger's integer
// amounts.
func computeTWAB(samples []snapshots.Sample, start, end time.Time) uint64 {
	if len(samples) == 0 {
		return 0
	}
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}

	weighted := new(big.Int)
	segment := new(big.Int)
	balance := new(big.Int)
	for i, s := range samples {
		segStart := s.Time
		segEnd := end
		if i < len(samples)-1 {
			segEnd = samples[i+1].Time
		}
		if segStart.Before(start) {
			segStart = start
		}
		if segEnd.After(end) {
			segEnd = end
		}
		dur := segEnd.Sub(segStart)
		if dur <= 0 {
			continue
		}
		segment.SetInt64(int64(dur))
		balance.SetUint64(s.Balance)
		weighted.Add(weighted, segment.Mul(segment, balance))
	}

	return weighted.Quo(weighted, big.NewInt(int64(total))).Uint64()
}
