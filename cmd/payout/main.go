package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gagliardetto/solana-go"
	sentry "github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/payout/pkg/buyback"
	"github.com/malbeclabs/payout/pkg/clickhouse"
	"github.com/malbeclabs/payout/pkg/config"
	"github.com/malbeclabs/payout/pkg/export"
	"github.com/malbeclabs/payout/pkg/jupiter"
	"github.com/malbeclabs/payout/pkg/logger"
	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/notify"
	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/revenue"
	"github.com/malbeclabs/payout/pkg/server"
	"github.com/malbeclabs/payout/pkg/settlement"
	"github.com/malbeclabs/payout/pkg/snapshots"
	"github.com/malbeclabs/payout/pkg/sol"
	"github.com/malbeclabs/payout/pkg/store"
	"github.com/malbeclabs/payout/pkg/transfer"
	"github.com/malbeclabs/payout/pkg/weights"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:9090"
	defaultHealthAddr  = "0.0.0.0:8081"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	envFileFlag := flag.String("env", "", "Load environment variables from this dotenv file before reading config")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (or set METRICS_LISTEN_ADDR env var)")
	healthAddrFlag := flag.String("health-addr", defaultHealthAddr, "Address to listen on for health and readiness probes (or set HEALTH_LISTEN_ADDR env var)")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	migrateFlag := flag.Bool("migrate", true, "Run database migrations at startup")
	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
		}
	}
	if env := os.Getenv("METRICS_LISTEN_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("HEALTH_LISTEN_ADDR"); env != "" {
		*healthAddrFlag = env
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("payout: starting", "version", version, "commit", commit)

	if *migrateFlag {
		if err := store.RunMigrations(ctx, log, cfg.DatabaseURL); err != nil {
			return err
		}
		if err := clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Secure:   cfg.ClickHouse.Secure,
		}); err != nil {
			return err
		}
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

	ch, err := clickhouse.NewClient(ctx, log,
		cfg.ClickHouse.Addr, cfg.ClickHouse.Database,
		cfg.ClickHouse.Username, cfg.ClickHouse.Password, cfg.ClickHouse.Secure)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

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

	rewardKey, err := cfg.RewardKeypair()
	if err != nil {
		return err
	}
	mint := cfg.Mint()

	collector, err := snapshots.NewCollector(snapshots.CollectorConfig{
		Logger:          log,
		RPC:             chain,
		Streaks:         pg,
		CollectInterval: cfg.SnapshotInterval,
		ClickHouse:      ch,
		Mint:            mint,
	})
	if err != nil {
		return err
	}

	snapStore, err := snapshots.NewStore(snapshots.StoreConfig{
		Logger:     log,
		ClickHouse: ch,
	})
	if err != nil {
		return err
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
		return err
	}

	distPlanner, err := planner.New(planner.Config{Logger: log})
	if err != nil {
		return err
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
		return err
	}

	jup, err := jupiter.NewClient(jupiter.ClientConfig{
		Logger:  log,
		BaseURL: cfg.JupiterBaseURL,
	})
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		slackSink, err := notify.NewSlack(notify.SlackConfig{
			Logger:   log,
			BotToken: cfg.SlackBotToken,
			Channel:  cfg.SlackChannel,
		})
		if err != nil {
			return err
		}
		notifier = slackSink
		log.Info("payout: slack notifications enabled", "channel", cfg.SlackChannel)
	}

	var reporter settlement.ReportSink
	if cfg.S3ReportBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		s3Reporter, err := export.NewReporter(export.ReporterConfig{
			Logger: log,
			Client: s3.NewFromConfig(awsCfg),
			Bucket: cfg.S3ReportBucket,
		})
		if err != nil {
			return err
		}
		reporter = s3Reporter
		log.Info("payout: report export enabled", "bucket", cfg.S3ReportBucket)
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
		Notifier:      notifier,
		Reporter:      reporter,
		Signer:        rewardKey,
		Mint:          mint,
		TokenDecimals: cfg.TokenDecimals,
		Window:        cfg.TWABWindow,
	})
	if err != nil {
		return err
	}

	settlementRunner, err := settlement.NewRunner(settlement.RunnerConfig{
		Logger:   log,
		Engine:   engine,
		Interval: cfg.SettlementInterval,
	})
	if err != nil {
		return err
	}

	collector.Start(ctx)
	settlementRunner.Start(ctx)

	if cfg.BuybackEnabled() {
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
			Notifier:      notifier,
			Prices:        jup,
			Signer:        revenueKey,
			Pool:          rewardKey.PublicKey(),
			Mint:          mint,
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
		buybackRunner, err := buyback.NewRunner(buyback.RunnerConfig{
			Logger:   log,
			Pipeline: pipeline,
			Interval: cfg.BuybackInterval,
		})
		if err != nil {
			return err
		}
		buybackRunner.Start(ctx)
	} else {
		log.Info("payout: buyback disabled, REVENUE_WALLET_PRIVATE_KEY not set")
	}

	healthSrv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *healthAddrFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		Ready: func(ctx context.Context) error {
			if !collector.Ready() {
				return errors.New("snapshot collector not ready")
			}
			if err := pg.Ping(ctx); err != nil {
				return fmt.Errorf("postgres not reachable: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthSrv.Run(gctx) })

	if cfg.WebhookSecret != "" {
		revenueSrv, err := revenue.NewServer(revenue.ServerConfig{
			Logger:     log,
			Ledger:     pg,
			Pool:       engine,
			ListenAddr: cfg.WebhookListenAddr,
			Secret:     cfg.WebhookSecret,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return revenueSrv.Run(gctx) })
	} else {
		log.Warn("payout: revenue webhook disabled, WEBHOOK_SECRET not set")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("payout: shutdown complete")
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
