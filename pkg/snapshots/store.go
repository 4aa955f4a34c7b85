package snapshots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/payout/pkg/clickhouse"
)

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// Store reads and writes balance samples in ClickHouse.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// InsertSamples appends one sample per holder, all stamped with the same
// observation time.
func (s *Store) InsertSamples(ctx context.Context, balances []AccountBalance, observedAt time.Time) error {
	if len(balances) == 0 {
		return nil
	}

	s.log.Debug("snapshots/store: inserting balance samples", "count", len(balances))

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	syncCtx := clickhouse.ContextWithSyncInsert(ctx)
	batch, err := conn.PrepareBatch(syncCtx, "INSERT INTO balance_samples (sample_time, account, balance)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, b := range balances {
		if err := batch.Append(observedAt.UTC(), b.Account, b.Balance); err != nil {
			return fmt.Errorf("failed to append sample for %s: %w", b.Account, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// SamplesInWindow returns all samples with sample_time in [start, end),
// ordered by account then sample time.
func (s *Store) SamplesInWindow(ctx context.Context, start, end time.Time) ([]Sample, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT sample_time, account, balance
		FROM balance_samples
		WHERE sample_time >= ? AND sample_time < ?
		ORDER BY account, sample_time
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.Time, &sm.Account, &sm.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// BalancesAsOf returns the last observed balance per account at or before the
// given time, including zero balances. Accounts with no sample by then are
// absent.
func (s *Store) BalancesAsOf(ctx context.Context, at time.Time) ([]AccountBalance, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT account, balance
		FROM (
			SELECT account, balance,
				ROW_NUMBER() OVER (PARTITION BY account ORDER BY sample_time DESC) AS rn
			FROM balance_samples
			WHERE sample_time <= ?
		)
		WHERE rn = 1
		ORDER BY account
	`, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.Account, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// CurrentBalances returns the latest observed balance per account, excluding
// accounts whose latest balance is zero.
func (s *Store) CurrentBalances(ctx context.Context) ([]AccountBalance, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT account, balance
		FROM (
			SELECT account, balance,
				ROW_NUMBER() OVER (PARTITION BY account ORDER BY sample_time DESC) AS rn
			FROM balance_samples
		)
		WHERE rn = 1 AND balance > 0
		ORDER BY account
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.Account, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// LatestSampleTime returns the time of the most recent sample, or the zero
// time when no samples exist.
func (s *Store) LatestSampleTime(ctx context.Context) (time.Time, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "SELECT count(), max(sample_time) FROM balance_samples")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest sample time: %w", err)
	}
	defer rows.Close()

	var count uint64
	var latest time.Time
	if rows.Next() {
		if err := rows.Scan(&count, &latest); err != nil {
			return time.Time{}, fmt.Errorf("failed to scan latest sample time: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, err
	}
	if count == 0 {
		return time.Time{}, nil
	}
	return latest, nil
}
