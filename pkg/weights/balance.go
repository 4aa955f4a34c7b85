package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/malbeclabs/payout/pkg/snapshots"
)

// BalanceSource provides the latest observed balance per account.
//
// Implemented by the snapshots store.
type BalanceSource interface {
	CurrentBalances(ctx context.Context) ([]snapshots.AccountBalance, error)
}

type BalanceShareConfig struct {
	Logger   *slog.Logger
	Balances BalanceSource

	// MinWeight drops accounts whose balance falls below it.
	MinWeight float64

	// Excluded accounts (treasury, pool wallets) never receive a weight.
	Excluded []string
}

func (cfg *BalanceShareConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Balances == nil {
		return errors.New("balance source is required")
	}
	if cfg.MinWeight < 0 {
		return errors.New("min weight must not be negative")
	}
	return nil
}

// BalanceShare weighs each account by its most recent balance. It ignores
// holding duration and tiers entirely.
type BalanceShare struct {
	log      *slog.Logger
	cfg      BalanceShareConfig
	excluded map[string]struct{}
}

func NewBalanceShare(cfg BalanceShareConfig) (*BalanceShare, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	excluded := make(map[string]struct{}, len(cfg.Excluded))
	for _, account := range cfg.Excluded {
		excluded[account] = struct{}{}
	}
	return &BalanceShare{
		log:      cfg.Logger,
		cfg:      cfg,
		excluded: excluded,
	}, nil
}

// Weights returns one weight per current holder. The window is ignored:
// this strategy only looks at the latest snapshot.
func (b *BalanceShare) Weights(ctx context.Context, start, end time.Time) ([]AccountWeight, error) {
	balances, err := b.cfg.Balances.CurrentBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current balances: %w", err)
	}

	out := make([]AccountWeight, 0, len(balances))
	for _, bal := range balances {
		if _, ok := b.excluded[bal.Account]; ok {
			continue
		}
		weight := float64(bal.Balance)
		if weight < b.cfg.MinWeight {
			continue
		}
		out = append(out, AccountWeight{Account: bal.Account, Weight: weight})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })

	b.log.Debug("weights: computed balance shares", "accounts", len(out))
	return out, nil
}
