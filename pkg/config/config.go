package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Weighting strategies.
const (
	WeightStrategyBalance = "balance"
	WeightStrategyTWAB    = "twab"
)

// Transfer strategies.
const (
	TransferStrategySequential = "sequential"
	TransferStrategyBatched    = "batched"
)

// Trigger policies.
const (
	TriggerPolicyPoolPositive = "pool_positive"
	TriggerPolicyThreshold    = "threshold"
)

// MaxSlippageBps caps the configurable swap slippage.
const MaxSlippageBps = 200

// ClickHouseConfig holds the balance history store connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// Config holds every runtime setting of the payout engine. Values come
// from the environment via Load; private keys are kept as opaque strings
// and must never be logged.
type Config struct {
	// Chain access.
	SolanaRPCURL             string
	TokenMint                string
	TokenDecimals            int
	RewardWalletKey          string
	RevenueWalletKey         string
	PriorityFeeMicroLamports uint64

	// Weight computation.
	WeightStrategy       string
	TWABWindow           time.Duration
	MinWeight            float64
	ExcludedAccounts     []string
	WeightMaxConcurrency int
	Tiers                TierTable

	// Distribution triggers.
	TriggerPolicy string
	ThresholdUSD  float64
	MaxInterval   time.Duration

	// Transfer execution.
	TransferStrategy    string
	TransferDelay       time.Duration
	BatchSize           int
	BatchDelay          time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Buyback.
	PoolPct        int
	TeamPct        int
	OpsPct         int
	SwapPct        int
	TeamWallet     string
	OpsWallet      string
	JupiterBaseURL string
	SlippageBps    int
	QuoteTTL       time.Duration

	// Stores.
	DatabaseURL string
	ClickHouse  ClickHouseConfig

	// Ingestion, notifications, export.
	WebhookListenAddr string
	WebhookSecret     string
	SlackBotToken     string
	SlackChannel      string
	S3ReportBucket    string
	SentryDSN         string

	// Scheduling.
	SettlementInterval time.Duration
	SnapshotInterval   time.Duration
	BuybackInterval    time.Duration
}

// Load reads the configuration from the environment, applying defaults for
// everything optional. It does not validate; call Validate after.
func Load() (*Config, error) {
	cfg := &Config{
		SolanaRPCURL:     os.Getenv("SOLANA_RPC_URL"),
		TokenMint:        os.Getenv("TOKEN_MINT"),
		RewardWalletKey:  os.Getenv("REWARD_WALLET_PRIVATE_KEY"),
		RevenueWalletKey: os.Getenv("REVENUE_WALLET_PRIVATE_KEY"),

		WeightStrategy: envStr("WEIGHT_STRATEGY", WeightStrategyTWAB),
		MinWeight:      0,
		Tiers:          DefaultTierTable(),

		TriggerPolicy: envStr("TRIGGER_POLICY", TriggerPolicyPoolPositive),

		TransferStrategy: envStr("TRANSFER_STRATEGY", TransferStrategyBatched),

		TeamWallet:     os.Getenv("TEAM_WALLET"),
		OpsWallet:      os.Getenv("OPS_WALLET"),
		JupiterBaseURL: envStr("JUPITER_BASE_URL", "https://quote-api.jup.ag"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		ClickHouse: ClickHouseConfig{
			Addr:     os.Getenv("CLICKHOUSE_ADDR_TCP"),
			Database: envStr("CLICKHOUSE_DATABASE", "default"),
			Username: envStr("CLICKHOUSE_USERNAME", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
		},

		WebhookListenAddr: envStr("WEBHOOK_LISTEN_ADDR", "0.0.0.0:8080"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:      os.Getenv("SLACK_CHANNEL"),
		S3ReportBucket:    os.Getenv("S3_REPORT_BUCKET"),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
	}

	if v := os.Getenv("EXCLUDED_ACCOUNTS"); v != "" {
		for _, acct := range strings.Split(v, ",") {
			if acct = strings.TrimSpace(acct); acct != "" {
				cfg.ExcludedAccounts = append(cfg.ExcludedAccounts, acct)
			}
		}
	}

	var err error
	if cfg.TWABWindow, err = envDur("TWAB_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MinWeight, err = envFloat("MIN_WEIGHT", 0); err != nil {
		return nil, err
	}
	if cfg.WeightMaxConcurrency, err = envInt("WEIGHT_MAX_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.ThresholdUSD, err = envFloat("DISTRIBUTION_THRESHOLD_USD", 250); err != nil {
		return nil, err
	}
	if cfg.MaxInterval, err = envDur("DISTRIBUTION_MAX_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TransferDelay, err = envDur("TRANSFER_DELAY", 150*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = envInt("TRANSFER_BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.BatchDelay, err = envDur("TRANSFER_BATCH_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.ConfirmTimeout, err = envDur("CONFIRM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConfirmPollInterval, err = envDur("CONFIRM_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.TokenDecimals, err = envInt("TOKEN_DECIMALS", 9); err != nil {
		return nil, err
	}
	if cfg.PriorityFeeMicroLamports, err = envUint64("PRIORITY_FEE_MICROLAMPORTS", 0); err != nil {
		return nil, err
	}
	if cfg.PoolPct, err = envInt("BUYBACK_POOL_PCT", 80); err != nil {
		return nil, err
	}
	if cfg.TeamPct, err = envInt("BUYBACK_TEAM_PCT", 10); err != nil {
		return nil, err
	}
	if cfg.OpsPct, err = envInt("BUYBACK_OPS_PCT", 10); err != nil {
		return nil, err
	}
	if cfg.SwapPct, err = envInt("BUYBACK_SWAP_PCT", 20); err != nil {
		return nil, err
	}
	if cfg.SlippageBps, err = envInt("SLIPPAGE_BPS", 50); err != nil {
		return nil, err
	}
	if cfg.QuoteTTL, err = envDur("QUOTE_TTL", 50*time.Second); err != nil {
		return nil, err
	}
	if cfg.SettlementInterval, err = envDur("SETTLEMENT_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SnapshotInterval, err = envDur("SNAPSHOT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BuybackInterval, err = envDur("BUYBACK_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks everything a settlement run depends on. Money-moving
// paths fail here at startup rather than degrading at run time.
func (c *Config) Validate() error {
	if c.SolanaRPCURL == "" {
		return errors.New("SOLANA_RPC_URL is required")
	}
	if c.TokenMint == "" {
		return errors.New("TOKEN_MINT is required")
	}
	if _, err := solana.PublicKeyFromBase58(c.TokenMint); err != nil {
		return fmt.Errorf("TOKEN_MINT is not a valid public key: %w", err)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("TOKEN_DECIMALS must be within [0,18], got %d", c.TokenDecimals)
	}
	if c.RewardWalletKey == "" {
		return errors.New("REWARD_WALLET_PRIVATE_KEY is required")
	}
	if _, err := solana.PrivateKeyFromBase58(c.RewardWalletKey); err != nil {
		return errors.New("REWARD_WALLET_PRIVATE_KEY is not a valid private key")
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.ClickHouse.Addr == "" {
		return errors.New("CLICKHOUSE_ADDR_TCP is required")
	}

	switch c.WeightStrategy {
	case WeightStrategyBalance, WeightStrategyTWAB:
	default:
		return fmt.Errorf("unknown WEIGHT_STRATEGY %q", c.WeightStrategy)
	}
	switch c.TransferStrategy {
	case TransferStrategySequential, TransferStrategyBatched:
	default:
		return fmt.Errorf("unknown TRANSFER_STRATEGY %q", c.TransferStrategy)
	}
	switch c.TriggerPolicy {
	case TriggerPolicyPoolPositive, TriggerPolicyThreshold:
	default:
		return fmt.Errorf("unknown TRIGGER_POLICY %q", c.TriggerPolicy)
	}

	if c.TWABWindow <= 0 {
		return errors.New("TWAB_WINDOW must be positive")
	}
	if c.WeightMaxConcurrency <= 0 {
		return errors.New("WEIGHT_MAX_CONCURRENCY must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("TRANSFER_BATCH_SIZE must be positive")
	}
	if c.ConfirmTimeout <= 0 || c.ConfirmPollInterval <= 0 {
		return errors.New("confirmation timeout and poll interval must be positive")
	}
	for _, acct := range c.ExcludedAccounts {
		if _, err := solana.PublicKeyFromBase58(acct); err != nil {
			return fmt.Errorf("EXCLUDED_ACCOUNTS entry %q is not a valid public key: %w", acct, err)
		}
	}

	if err := c.Tiers.Validate(); err != nil {
		return fmt.Errorf("invalid tier table: %w", err)
	}

	if c.BuybackEnabled() {
		if _, err := solana.PrivateKeyFromBase58(c.RevenueWalletKey); err != nil {
			return errors.New("REVENUE_WALLET_PRIVATE_KEY is not a valid private key")
		}
		if c.PoolPct+c.TeamPct+c.OpsPct != 100 {
			return fmt.Errorf("buyback split must sum to 100, got %d/%d/%d", c.PoolPct, c.TeamPct, c.OpsPct)
		}
		if c.SwapPct < 0 || c.SwapPct > 100 {
			return fmt.Errorf("BUYBACK_SWAP_PCT must be within [0,100], got %d", c.SwapPct)
		}
		if c.TeamPct > 0 && c.TeamWallet == "" {
			return errors.New("TEAM_WALLET is required when BUYBACK_TEAM_PCT > 0")
		}
		if c.OpsPct > 0 && c.OpsWallet == "" {
			return errors.New("OPS_WALLET is required when BUYBACK_OPS_PCT > 0")
		}
		for _, wallet := range []string{c.TeamWallet, c.OpsWallet} {
			if wallet == "" {
				continue
			}
			if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
				return fmt.Errorf("wallet %q is not a valid public key: %w", wallet, err)
			}
		}
		if c.SlippageBps <= 0 || c.SlippageBps > MaxSlippageBps {
			return fmt.Errorf("SLIPPAGE_BPS must be within (0,%d], got %d", MaxSlippageBps, c.SlippageBps)
		}
		if c.QuoteTTL <= 0 {
			return errors.New("QUOTE_TTL must be positive")
		}
	}

	return nil
}

// BuybackEnabled reports whether the revenue conversion pipeline is
// configured.
func (c *Config) BuybackEnabled() bool {
	return c.RevenueWalletKey != ""
}

// RewardKeypair parses the settlement signer key.
func (c *Config) RewardKeypair() (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(c.RewardWalletKey)
	if err != nil {
		return nil, errors.New("failed to parse reward wallet key")
	}
	return key, nil
}

// RevenueKeypair parses the buyback signer key.
func (c *Config) RevenueKeypair() (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(c.RevenueWalletKey)
	if err != nil {
		return nil, errors.New("failed to parse revenue wallet key")
	}
	return key, nil
}

// Mint returns the reward token mint.
func (c *Config) Mint() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(c.TokenMint)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, nil
}

func envUint64(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unsigned integer for %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return f, nil
}
