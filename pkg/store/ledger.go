package store

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/payout/pkg/planner"
)

// Distribution is one executed settlement run.
type Distribution struct {
	ID             int64
	PoolAmount     uint64
	TotalWeight    float64
	RecipientCount int
	TriggerReason  string
	ExecutedAt     time.Time
}

// DistributionRecipient is one recipient row of a distribution. A nil
// TransferReference means the transfer never confirmed; AmountReceived is
// zero for those rows.
type DistributionRecipient struct {
	ID                int64
	DistributionID    int64
	Account           string
	Weight            float64
	Amount            uint64
	AmountReceived    uint64
	TransferReference *string
}

// SystemStats is the singleton running total over all distributions.
type SystemStats struct {
	TotalDistributed   uint64
	TotalDistributions uint64
	LastDistributionAt *time.Time
}

// CommitDistribution records an executed plan: the distribution row, one
// recipient row per share, and the running totals. results maps account to
// the confirmed transfer reference; a nil or missing entry records the
// recipient with amount_received = 0 so reconciliation can find it later.
//
// It writes through q so the caller can run it inside the settlement lock
// transaction; the whole ledger update then commits or rolls back with the
// lock. Returns the new distribution id.
func (s *Store) CommitDistribution(ctx context.Context, q Querier, plan *planner.Plan, results map[string]*string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO distributions (pool_amount, total_weight, recipient_count, trigger_reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, int64(plan.PoolAmount), plan.TotalWeight, len(plan.Recipients), plan.TriggerReason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert distribution: %w", err)
	}

	var receivedTotal uint64
	for _, r := range plan.Recipients {
		ref := results[r.Account]
		var received uint64
		if ref != nil {
			received = r.Amount
			receivedTotal += r.Amount
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO distribution_recipients (distribution_id, account, weight, amount, amount_received, transfer_reference)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, r.Account, r.Weight, int64(r.Amount), int64(received), ref); err != nil {
			return 0, fmt.Errorf("failed to insert recipient %s: %w", r.Account, err)
		}
	}

	if _, err := q.Exec(ctx, `
		UPDATE system_stats
		SET total_distributed = total_distributed + $1,
		    total_distributions = total_distributions + 1,
		    last_distribution_at = now()
		WHERE id = 1
	`, int64(receivedTotal)); err != nil {
		return 0, fmt.Errorf("failed to update system stats: %w", err)
	}

	s.log.Info("store: distribution committed",
		"distribution_id", id,
		"pool_amount", plan.PoolAmount,
		"recipients", len(plan.Recipients),
		"received_total", receivedTotal,
	)
	return id, nil
}

// FailedTransfers returns every recipient row still missing a transfer
// reference, oldest first, optionally restricted to one distribution.
func (s *Store) FailedTransfers(ctx context.Context, distributionID *int64) ([]DistributionRecipient, error) {
	query := `
		SELECT id, distribution_id, account, weight, amount, amount_received, transfer_reference
		FROM distribution_recipients
		WHERE transfer_reference IS NULL`
	var args []any
	if distributionID != nil {
		query += ` AND distribution_id = $1`
		args = append(args, *distributionID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed transfers: %w", err)
	}
	defer rows.Close()

	var out []DistributionRecipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkRecipientPaid records a confirmed transfer for a recipient row,
// setting amount_received to the allocated amount.
func (s *Store) MarkRecipientPaid(ctx context.Context, recipientID int64, reference string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE distribution_recipients
		SET amount_received = amount, transfer_reference = $2
		WHERE id = $1
	`, recipientID, reference)
	if err != nil {
		return fmt.Errorf("failed to mark recipient paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recipient %d not found", recipientID)
	}
	return nil
}

// DistributionRecipients returns all recipient rows of a distribution in
// plan order.
func (s *Store) DistributionRecipients(ctx context.Context, distributionID int64) ([]DistributionRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, distribution_id, account, weight, amount, amount_received, transfer_reference
		FROM distribution_recipients
		WHERE distribution_id = $1
		ORDER BY id
	`, distributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution recipients: %w", err)
	}
	defer rows.Close()

	var out []DistributionRecipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats returns the singleton running totals.
func (s *Store) Stats(ctx context.Context) (*SystemStats, error) {
	var (
		distributed   int64
		distributions int64
		lastAt        *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT total_distributed, total_distributions, last_distribution_at
		FROM system_stats
		WHERE id = 1
	`).Scan(&distributed, &distributions, &lastAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}
	return &SystemStats{
		TotalDistributed:   uint64(distributed),
		TotalDistributions: uint64(distributions),
		LastDistributionAt: lastAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row rowScanner) (DistributionRecipient, error) {
	var (
		rec      DistributionRecipient
		amount   int64
		received int64
	)
	if err := row.Scan(&rec.ID, &rec.DistributionID, &rec.Account, &rec.Weight, &amount, &received, &rec.TransferReference); err != nil {
		return DistributionRecipient{}, fmt.Errorf("failed to scan recipient: %w", err)
	}
	rec.Amount = uint64(amount)
	rec.AmountReceived = uint64(received)
	return rec, nil
}
