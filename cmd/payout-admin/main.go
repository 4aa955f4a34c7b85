package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/payout/pkg/buyback"
	"github.com/malbeclabs/payout/pkg/clickhouse"
	"github.com/malbeclabs/payout/pkg/config"
	"github.com/malbeclabs/payout/pkg/jupiter"
	"github.com/malbeclabs/payout/pkg/logger"
	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/settlement"
	"github.com/malbeclabs/payout/pkg/snapshots"
	"github.com/malbeclabs/payout/pkg/sol"
	"github.com/malbeclabs/payout/pkg/store"
	"github.com/malbeclabs/payout/pkg/transfer"
	"github.com/malbeclabs/payout/pkg/weights"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env", "", "load environment variables from this dotenv file before reading config")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run Postgres and ClickHouse database migrations")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	previewFlag := flag.Bool("preview", false, "Show what the next distribution would pay without executing it")
	distributeFlag := flag.Bool("distribute", false, "Force a distribution now, bypassing the trigger policy")
	retryFailedFlag := flag.Bool("retry-failed", false, "Re-send unconfirmed transfers from past distributions")
	statsFlag := flag.Bool("stats", false, "Show distribution and revenue totals")
	buybackFlag := flag.Bool("buyback", false, "Run one revenue conversion cycle now")
	recordRevenueFlag := flag.Bool("record-revenue", false, "Record one revenue event by hand")

	// Command options
	distributionFlag := flag.Int64("distribution", -1, "Scope --retry-failed to one distribution id")
	txIDFlag := flag.String("tx-id", "", "Revenue transaction signature for --record-revenue")
	amountFlag := flag.Uint64("amount", 0, "Revenue amount in base units for --record-revenue")
	sourceFlag := flag.String("source", "manual", "Revenue source label for --record-revenue")

	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
		}
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for --migrate")
		}
		if cfg.ClickHouse.Addr == "" {
			return errors.New("CLICKHOUSE_ADDR_TCP is required for --migrate")
		}
		if err := store.RunMigrations(ctx, log, cfg.DatabaseURL); err != nil {
			return err
		}
		return clickhouse.RunMigrations(ctx, log, migrationConfig(cfg))
	}

	if *migrateStatusFlag {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for --migrate-status")
		}
		if cfg.ClickHouse.Addr == "" {
			return errors.New("CLICKHOUSE_ADDR_TCP is required for --migrate-status")
		}
		if err := store.MigrationStatus(ctx, log, cfg.DatabaseURL); err != nil {
			return err
		}
		return clickhouse.MigrationStatus(ctx, log, migrationConfig(cfg))
	}

	if *statsFlag {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for --stats")
		}
		return runStats(ctx, log, cfg)
	}

	if *recordRevenueFlag {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for --record-revenue")
		}
		return runRecordRevenue(ctx, log, cfg, *txIDFlag, *amountFlag, *sourceFlag)
	}

	if *previewFlag || *distributeFlag || *retryFailedFlag {
		if err := cfg.Validate(); err != nil {
			return err
		}
		engine, closeAll, err := newEngine(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		switch {
		case *previewFlag:
			return runPreview(ctx, engine)
		case *distributeFlag:
			return runDistribute(ctx, engine)
		default:
			return runRetryFailed(ctx, engine, *distributionFlag)
		}
	}

	if *buybackFlag {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if !cfg.BuybackEnabled() {
			return errors.New("REVENUE_WALLET_PRIVATE_KEY is required for --buyback")
		}
		return runBuyback(ctx, log, cfg)
	}

	flag.Usage()
	return nil
}

func migrationConfig(cfg *config.Config) clickhouse.MigrationConfig {
	return clickhouse.MigrationConfig{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
		Secure:   cfg.ClickHouse.Secure,
	}
}

// newEngine assembles the settlement engine against the configured stores
// and chain endpoints. Notifications and report export stay off; admin runs
// print their outcome instead.
func newEngine(ctx context.Context, log *slog.Logger, cfg *config.Config) (*settlement.Engine, func(), error) {
	pg, err := store.NewStore(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
		Tiers:       cfg.Tiers,
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := clickhouse.NewClient(ctx, log,
		cfg.ClickHouse.Addr, cfg.ClickHouse.Database,
		cfg.ClickHouse.Username, cfg.ClickHouse.Password, cfg.ClickHouse.Secure)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	closeAll := func() {
		_ = ch.Close()
		pg.Close()
	}

	chain, err := sol.NewClient(sol.ClientConfig{
		Logger: log,
		RPC:    sol.NewRPC(cfg.SolanaRPCURL),
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	txBuilder, err := sol.NewTxBuilder(sol.TxBuilderConfig{
		Logger:                   log,
		Client:                   chain,
		PriorityFeeMicroLamports: cfg.PriorityFeeMicroLamports,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	confirmator, err := sol.NewConfirmator(sol.ConfirmatorConfig{
		Logger:       log,
		RPC:          chain,
		Timeout:      cfg.ConfirmTimeout,
		PollInterval: cfg.ConfirmPollInterval,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	rewardKey, err := cfg.RewardKeypair()
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	mint := cfg.Mint()

	snapStore, err := snapshots.NewStore(snapshots.StoreConfig{
		Logger:     log,
		ClickHouse: ch,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	var calculator weights.Calculator
	switch cfg.WeightStrategy {
	case config.WeightStrategyBalance:
		calculator, err = weights.NewBalanceShare(weights.BalanceShareConfig{
			Logger:    log,
			Balances:  snapStore,
			MinWeight: cfg.MinWeight,
			Excluded:  cfg.ExcludedAccounts,
		})
	default:
		calculator, err = weights.NewTWAB(weights.TWABConfig{
			Logger:         log,
			Samples:        snapStore,
			Tiers:          pg,
			TierTable:      cfg.Tiers,
			MinWeight:      cfg.MinWeight,
			Excluded:       cfg.ExcludedAccounts,
			MaxConcurrency: cfg.WeightMaxConcurrency,
		})
	}
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	distPlanner, err := planner.New(planner.Config{Logger: log})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	var trigger planner.Trigger = planner.PoolPositive{}
	if cfg.TriggerPolicy == config.TriggerPolicyThreshold {
		trigger = planner.ThresholdOrAge{
			ThresholdUSD: cfg.ThresholdUSD,
			MaxInterval:  cfg.MaxInterval,
		}
	}

	var executor transfer.Executor
	switch cfg.TransferStrategy {
	case config.TransferStrategySequential:
		executor, err = transfer.NewSequential(transfer.SequentialConfig{
			Logger:         log,
			Submitter:      txBuilder,
			Confirmer:      confirmator,
			Signer:         rewardKey,
			Mint:           mint,
			SubmitInterval: cfg.TransferDelay,
		})
	default:
		executor, err = transfer.NewBatched(transfer.BatchedConfig{
			Logger:     log,
			Submitter:  txBuilder,
			Confirmer:  confirmator,
			Signer:     rewardKey,
			Mint:       mint,
			BatchSize:  cfg.BatchSize,
			BatchDelay: cfg.BatchDelay,
		})
	}
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	jup, err := jupiter.NewClient(jupiter.ClientConfig{
		Logger:  log,
		BaseURL: cfg.JupiterBaseURL,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	engine, err := settlement.New(settlement.Config{
		Logger:        log,
		Ledger:        pg,
		Weights:       calculator,
		Planner:       distPlanner,
		Trigger:       trigger,
		Executor:      executor,
		Balances:      chain,
		Issuer:        txBuilder,
		Confirm:       confirmator,
		Prices:        jup,
		Signer:        rewardKey,
		Mint:          mint,
		TokenDecimals: cfg.TokenDecimals,
		Window:        cfg.TWABWindow,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	return engine, closeAll, nil
}

func runPreview(ctx context.Context, engine *settlement.Engine) error {
	status, err := engine.PoolStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Reward Pool\n")
	fmt.Printf("  Balance:      %d\n", status.Balance)
	fmt.Printf("  Value (USD):  %.2f\n", status.ValueUSD)
	if status.LastExecuted.IsZero() {
		fmt.Printf("  Last run:     never\n")
	} else {
		fmt.Printf("  Last run:     %s\n", status.LastExecuted.Format(time.RFC3339))
	}
	fmt.Println()

	plan, err := engine.Preview(ctx)
	if err != nil {
		return err
	}
	if plan == nil {
		fmt.Printf("Nothing to distribute.\n")
		return nil
	}

	fmt.Printf("Distribution Preview\n")
	fmt.Printf("  Pool amount:  %d\n", plan.PoolAmount)
	fmt.Printf("  Recipients:   %d\n", len(plan.Recipients))
	fmt.Printf("  Total weight: %.4f\n", plan.TotalWeight)
	fmt.Println()
	for _, r := range plan.Recipients {
		fmt.Printf("  %s  weight=%.4f  amount=%d\n", r.Account, r.Weight, r.Amount)
	}
	return nil
}

func runDistribute(ctx context.Context, engine *settlement.Engine) error {
	result, err := engine.Run(ctx, true)
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("Distribution skipped: %s\n", result.SkipReason)
		return nil
	}

	fmt.Printf("Distribution Executed\n")
	fmt.Printf("  ID:          %d\n", result.DistributionID)
	fmt.Printf("  Pool amount: %d\n", result.Plan.PoolAmount)
	fmt.Printf("  Paid:        %d\n", result.Paid)
	fmt.Printf("  Failed:      %d\n", result.Failed)
	if result.Failed > 0 {
		fmt.Printf("\nRe-send unconfirmed transfers with --retry-failed --distribution %d\n", result.DistributionID)
	}
	return nil
}

func runRetryFailed(ctx context.Context, engine *settlement.Engine, distributionID int64) error {
	var scope *int64
	if distributionID >= 0 {
		scope = &distributionID
	}

	result, err := engine.RetryFailed(ctx, scope)
	if err != nil {
		return err
	}

	fmt.Printf("Reconciliation\n")
	fmt.Printf("  Attempted: %d\n", result.Attempted)
	fmt.Printf("  Paid:      %d\n", result.Paid)
	fmt.Printf("  Failed:    %d\n", result.Failed)
	return nil
}

func runStats(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	pg, err := store.NewStore(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
		Tiers:       cfg.Tiers,
	})
	if err != nil {
		return err
	}
	defer pg.Close()

	stats, err := pg.Stats(ctx)
	if err != nil {
		return err
	}
	summary, err := pg.RevenueSummary(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Distributions\n")
	fmt.Printf("  Total distributed: %d\n", stats.TotalDistributed)
	fmt.Printf("  Distributions:     %d\n", stats.TotalDistributions)
	if stats.LastDistributionAt != nil {
		fmt.Printf("  Last run:          %s\n", stats.LastDistributionAt.Format(time.RFC3339))
	} else {
		fmt.Printf("  Last run:          never\n")
	}
	fmt.Println()
	fmt.Printf("Revenue\n")
	fmt.Printf("  Total received:    %d\n", summary.TotalAmount)
	fmt.Printf("  Pending:           %d (%d rows)\n", summary.PendingAmount, summary.PendingCount)
	fmt.Printf("  Converted:         %d over %d conversions\n", summary.TotalConverted, summary.TotalConversions)
	return nil
}

func runRecordRevenue(ctx context.Context, log *slog.Logger, cfg *config.Config, txID string, amount uint64, source string) error {
	if txID == "" {
		return errors.New("--tx-id is required for --record-revenue")
	}
	raw, err := base58.Decode(txID)
	if err != nil {
		return fmt.Errorf("--tx-id is not base58: %w", err)
	}
	if len(raw) != 64 {
		return fmt.Errorf("--tx-id must be a 64-byte transaction signature, got %d bytes", len(raw))
	}
	if amount == 0 {
		return errors.New("--amount must be greater than 0")
	}
	if source == "" {
		return errors.New("--source must not be empty")
	}

	pg, err := store.NewStore(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
		Tiers:       cfg.Tiers,
	})
	if err != nil {
		return err
	}
	defer pg.Close()

	record, created, err := pg.RecordRevenue(ctx, txID, amount, source)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Already recorded as revenue %d (amount %d, source %s)\n",
			record.ID, record.Amount, record.Source)
		return nil
	}
	fmt.Printf("Recorded revenue %d: amount %d, source %s\n", record.ID, record.Amount, record.Source)
	return nil
}

func runBuyback(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	pg, err := store.NewStore(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
		Tiers:       cfg.Tiers,
	})
	if err != nil {
		return err
	}
	defer pg.Close()

	chain, err := sol.NewClient(sol.ClientConfig{
		Logger: log,
		RPC:    sol.NewRPC(cfg.SolanaRPCURL),
	})
	if err != nil {
		return err
	}
	txBuilder, err := sol.NewTxBuilder(sol.TxBuilderConfig{
		Logger:                   log,
		Client:                   chain,
		PriorityFeeMicroLamports: cfg.PriorityFeeMicroLamports,
	})
	if err != nil {
		return err
	}
	confirmator, err := sol.NewConfirmator(sol.ConfirmatorConfig{
		Logger:       log,
		RPC:          chain,
		Timeout:      cfg.ConfirmTimeout,
		PollInterval: cfg.ConfirmPollInterval,
	})
	if err != nil {
		return err
	}

	jup, err := jupiter.NewClient(jupiter.ClientConfig{
		Logger:  log,
		BaseURL: cfg.JupiterBaseURL,
	})
	if err != nil {
		return err
	}

	rewardKey, err := cfg.RewardKeypair()
	if err != nil {
		return err
	}
	revenueKey, err := cfg.RevenueKeypair()
	if err != nil {
		return err
	}

	pipeline, err := buyback.New(buyback.Config{
		Logger:        log,
		Store:         pg,
		Swaps:         jup,
		Issuer:        txBuilder,
		Confirm:       confirmator,
		Balances:      chain,
		Prices:        jup,
		Signer:        revenueKey,
		Pool:          rewardKey.PublicKey(),
		Mint:          cfg.Mint(),
		TokenDecimals: cfg.TokenDecimals,
		PoolPct:       cfg.PoolPct,
		TeamPct:       cfg.TeamPct,
		OpsPct:        cfg.OpsPct,
		SwapPct:       cfg.SwapPct,
		TeamWallet:    parseWallet(cfg.TeamWallet),
		OpsWallet:     parseWallet(cfg.OpsWallet),
		SlippageBps:   cfg.SlippageBps,
		QuoteTTL:      cfg.QuoteTTL,
	})
	if err != nil {
		return err
	}

	result, err := pipeline.Process(ctx)
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("Buyback skipped: %s\n", result.SkipReason)
		return nil
	}

	fmt.Printf("Buyback Executed\n")
	fmt.Printf("  Conversion:   %d\n", result.ConversionID)
	fmt.Printf("  Revenue rows: %d\n", result.RevenueRows)
	fmt.Printf("  Amount in:    %d\n", result.AmountIn)
	fmt.Printf("  Amount out:   %d\n", result.AmountOut)
	fmt.Printf("  Team share:   %d\n", result.TeamAmount)
	fmt.Printf("  Ops share:    %d\n", result.OpsAmount)
	return nil
}

// parseWallet converts an already-validated wallet address; empty stays
// the zero key.
func parseWallet(addr string) solana.PublicKey {
	if addr == "" {
		return solana.PublicKey{}
	}
	return solana.MustPublicKeyFromBase58(addr)
}
