package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/payout/pkg/metrics"
)

// Postgres error code raised by FOR UPDATE NOWAIT when another transaction
// holds the row lock.
const pgLockNotAvailable = "55P03"

// WithLock runs fn inside a transaction that holds the cluster-wide
// settlement lock. When another worker holds the lock it returns
// (false, nil) without running fn; contention is an expected outcome, not
// an error. The lock lives exactly as long as the transaction: commit on a
// nil fn error, rollback otherwise, either way releasing it. Ledger writes
// that must be atomic with the settlement run go through the pgx.Tx handed
// to fn.
func (s *Store) WithLock(ctx context.Context, owner string, fn func(pgx.Tx) error) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	// Finalization runs on a detached context so a run cancelled mid-flight
	// still releases the lock and keeps whatever fn recorded.
	done := context.WithoutCancel(ctx)
	defer func() { _ = tx.Rollback(done) }()

	var id int
	err = tx.QueryRow(ctx, `SELECT id FROM settlement_lock WHERE id = 1 FOR UPDATE NOWAIT`).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			s.log.Info("store: settlement lock held by another worker", "owner", owner)
			metrics.LockContentionTotal.Inc()
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE settlement_lock SET locked_at = now(), locked_by = $1 WHERE id = 1`, owner); err != nil {
		return false, fmt.Errorf("failed to stamp settlement lock: %w", err)
	}

	s.log.Debug("store: settlement lock acquired", "owner", owner)

	if err := fn(tx); err != nil {
		return true, err
	}
	if err := tx.Commit(done); err != nil {
		return true, fmt.Errorf("failed to commit settlement transaction: %w", err)
	}
	return true, nil
}
