package snapshots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/payout/pkg/clickhouse"
	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/sol"
)

// HolderRPC wraps the Solana client methods used by the collector.
type HolderRPC interface {
	TokenHolders(ctx context.Context, mint solana.PublicKey) ([]sol.TokenHolder, error)
}

// StreakStore records how long each account has continuously held a nonzero
// balance. Implemented by the postgres store.
type StreakStore interface {
	UpdateHoldingStreaks(ctx context.Context, holders []AccountBalance, observedAt time.Time) error
}

type CollectorConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	RPC             HolderRPC
	Streaks         StreakStore // optional — if nil, holding streaks are not tracked
	CollectInterval time.Duration
	ClickHouse      clickhouse.Client
	Mint            solana.PublicKey
}

func (cfg *CollectorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("holder rpc is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.CollectInterval <= 0 {
		return errors.New("collect interval must be greater than 0")
	}
	if cfg.Mint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Collector periodically snapshots all holder balances of the reward token
// into the balance sample history.
type Collector struct {
	log       *slog.Logger
	cfg       CollectorConfig
	store     *Store
	collectMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(StoreConfig{
		Logger:     cfg.Logger,
		ClickHouse: cfg.ClickHouse,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Collector{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   store,
		readyCh: make(chan struct{}),
	}, nil
}

func (c *Collector) Ready() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

func (c *Collector) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for snapshot collector: %w", ctx.Err())
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.log.Info("snapshots: starting collect loop", "interval", c.cfg.CollectInterval)

		c.safeCollect(ctx)

		ticker := c.cfg.Clock.NewTicker(c.cfg.CollectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.safeCollect(ctx)
			}
		}
	}()
}

func (c *Collector) safeCollect(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("snapshots: collect panicked", "panic", r)
			metrics.SnapshotRefreshTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := c.Collect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("snapshots: collect failed", "error", err)
	}
}

func (c *Collector) Collect(ctx context.Context) error {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	collectStart := time.Now()
	c.log.Debug("snapshots: collect started")
	defer func() {
		duration := time.Since(collectStart)
		c.log.Info("snapshots: collect completed", "duration", duration.String())
		metrics.SnapshotRefreshDuration.Observe(duration.Seconds())
	}()

	holders, err := c.cfg.RPC.TokenHolders(ctx, c.cfg.Mint)
	if err != nil {
		metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch token holders: %w", err)
	}

	balances := make([]AccountBalance, len(holders))
	for i, h := range holders {
		balances[i] = AccountBalance{
			Account: h.Owner.String(),
			Balance: h.Amount,
		}
	}

	observedAt := c.cfg.Clock.Now().UTC()
	if err := c.store.InsertSamples(ctx, balances, observedAt); err != nil {
		metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to insert samples: %w", err)
	}

	if c.cfg.Streaks != nil {
		if err := c.cfg.Streaks.UpdateHoldingStreaks(ctx, balances, observedAt); err != nil {
			metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to update holding streaks: %w", err)
		}
	}

	c.readyOnce.Do(func() {
		close(c.readyCh)
		c.log.Info("snapshots: collector is now ready")
	})

	metrics.SnapshotRefreshTotal.WithLabelValues("success").Inc()
	return nil
}
