package store

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/payout/pkg/snapshots"
)

// UpdateHoldingStreaks reconciles streaks against one balance snapshot: a
// nonzero balance starts or extends an account's streak, a zero or missing
// balance ends it. started_at is only set when a streak begins, so the
// holding duration survives across snapshots.
func (s *Store) UpdateHoldingStreaks(ctx context.Context, holders []snapshots.AccountBalance, observedAt time.Time) error {
	accounts := make([]string, 0, len(holders))
	for _, h := range holders {
		if h.Balance > 0 {
			accounts = append(accounts, h.Account)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin streak transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(accounts) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO holding_streaks (account, started_at, updated_at)
			SELECT unnest($1::text[]), $2, $2
			ON CONFLICT (account) DO UPDATE SET updated_at = EXCLUDED.updated_at
		`, accounts, observedAt); err != nil {
			return fmt.Errorf("failed to upsert holding streaks: %w", err)
		}
	}

	// Everyone not in the nonzero set sold out; their streak ends here and
	// restarts from scratch if they buy back in.
	if _, err := tx.Exec(ctx, `
		DELETE FROM holding_streaks WHERE NOT (account = ANY($1::text[]))
	`, accounts); err != nil {
		return fmt.Errorf("failed to clear ended holding streaks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit streak update: %w", err)
	}
	return nil
}

// AccountTiers resolves each holding streak to a tier id on the configured
// ladder, measured from streak start to now.
func (s *Store) AccountTiers(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT account, started_at FROM holding_streaks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holding streaks: %w", err)
	}
	defer rows.Close()

	now := s.cfg.Clock.Now()
	tiers := make(map[string]int)
	for rows.Next() {
		var account string
		var startedAt time.Time
		if err := rows.Scan(&account, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding streak: %w", err)
		}
		tiers[account] = s.cfg.Tiers.TierFor(now.Sub(startedAt)).ID
	}
	return tiers, rows.Err()
}
