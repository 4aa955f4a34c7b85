// Package buyback converts accumulated protocol revenue into the reward
// token. Each cycle splits the unprocessed revenue into pool, team, and
// ops shares, pays the team and ops shares out as plain transfers, swaps a
// fraction of the pool share through the conversion service, and moves the
// proceeds into the reward pool. The conversion record and the consumed
// revenue rows commit in one transaction.
//
// Share transfers are at-least-once: a cycle that fails after they land
// replays them when the revenue is processed again. The conversion commit
// is what consumes the revenue.
package buyback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/payout/pkg/jupiter"
	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/notify"
	"github.com/malbeclabs/payout/pkg/sol"
	"github.com/malbeclabs/payout/pkg/store"
	"github.com/malbeclabs/payout/pkg/transfer"
)

// RevenueStore is the slice of the postgres store the pipeline drives.
type RevenueStore interface {
	UnprocessedRevenue(ctx context.Context) ([]store.RevenueRecord, error)
	CommitConversion(ctx context.Context, conv store.ConversionRecord, revenueIDs []int64) (int64, error)
}

var _ RevenueStore = (*store.Store)(nil)

// SwapService quotes conversions and builds the swap transaction.
// Implemented by jupiter.Client.
type SwapService interface {
	Quote(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64, slippageBps int) (*jupiter.Quote, error)
	SwapTransaction(ctx context.Context, quote *jupiter.Quote, userPublicKey solana.PublicKey) (string, error)
}

var _ SwapService = (*jupiter.Client)(nil)

// TransferIssuer submits the pipeline's transactions.
type TransferIssuer interface {
	SubmitSOLTransfer(ctx context.Context, signer solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error)
	SubmitTokenTransfer(ctx context.Context, signer solana.PrivateKey, to, mint solana.PublicKey, amount uint64) (solana.Signature, error)
	SubmitSerializedTransaction(ctx context.Context, serialized string, signer solana.PrivateKey) (solana.Signature, error)
}

var _ TransferIssuer = (*sol.TxBuilder)(nil)

// BalanceReader reads the reward pool balance for the notification.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
}

// PriceSource values the pool for the notification.
type PriceSource interface {
	Price(ctx context.Context, mint solana.PublicKey) (float64, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   RevenueStore
	Swaps   SwapService
	Issuer  TransferIssuer
	Confirm transfer.Confirmer

	// Balances reads token balances for the proceeds sweep and the
	// notification.
	Balances BalanceReader

	// Notifier and Prices feed the best-effort pool_updated notification
	// after a conversion; both optional.
	Notifier notify.Notifier
	Prices   PriceSource

	// Signer is the revenue wallet holding the incoming revenue. Pool is
	// the reward wallet that receives the converted tokens.
	Signer solana.PrivateKey
	Pool   solana.PublicKey
	Mint   solana.PublicKey

	TokenDecimals int

	// Revenue split in whole percent; must sum to 100. Defaults to
	// 80/10/10 when all are zero.
	PoolPct int
	TeamPct int
	OpsPct  int

	// SwapPct is the fraction of the pool share converted each cycle. A
	// zero value disables conversion, which leaves revenue unprocessed.
	SwapPct int

	TeamWallet solana.PublicKey
	OpsWallet  solana.PublicKey

	SlippageBps int
	QuoteTTL    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("revenue store is required")
	}
	if cfg.Swaps == nil {
		return errors.New("swap service is required")
	}
	if cfg.Issuer == nil {
		return errors.New("transfer issuer is required")
	}
	if cfg.Confirm == nil {
		return errors.New("confirmer is required")
	}
	if cfg.Balances == nil {
		return errors.New("balance reader is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Pool.IsZero() {
		return errors.New("pool wallet is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.PoolPct == 0 && cfg.TeamPct == 0 && cfg.OpsPct == 0 {
		cfg.PoolPct, cfg.TeamPct, cfg.OpsPct = 80, 10, 10
	}
	if cfg.PoolPct < 0 || cfg.TeamPct < 0 || cfg.OpsPct < 0 || cfg.PoolPct+cfg.TeamPct+cfg.OpsPct != 100 {
		return fmt.Errorf("revenue split must sum to 100, got %d/%d/%d", cfg.PoolPct, cfg.TeamPct, cfg.OpsPct)
	}
	if cfg.SwapPct < 0 || cfg.SwapPct > 100 {
		return fmt.Errorf("swap percentage must be within [0,100], got %d", cfg.SwapPct)
	}
	if cfg.TeamPct > 0 && cfg.TeamWallet.IsZero() {
		return errors.New("team wallet is required when the team share is positive")
	}
	if cfg.OpsPct > 0 && cfg.OpsWallet.IsZero() {
		return errors.New("ops wallet is required when the ops share is positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = 9
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 50
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 50 * time.Second
	}
	return nil
}

// Result describes the outcome of one buyback cycle.
type Result struct {
	ConversionID int64
	AmountIn     uint64
	AmountOut    uint64
	TeamAmount   uint64
	OpsAmount    uint64
	RevenueRows  int
	Skipped      bool
	SkipReason   string
}

type Pipeline struct {
	log    *slog.Logger
	cfg    Config
	signer solana.PublicKey
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:    cfg.Logger,
		cfg:    cfg,
		signer: cfg.Signer.PublicKey(),
	}, nil
}

// Process runs one buyback cycle over all unprocessed revenue. A cycle
// that fails before the swap confirms leaves the revenue unprocessed for
// the next cycle; once the swap confirms, the conversion always commits.
func (p *Pipeline) Process(ctx context.Context) (*Result, error) {
	result, err := p.process(ctx)
	switch {
	case err != nil:
		metrics.BuybackRunsTotal.WithLabelValues("error").Inc()
	case result.Skipped:
		metrics.BuybackRunsTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.BuybackRunsTotal.WithLabelValues("success").Inc()
	}
	return result, err
}

func (p *Pipeline) process(ctx context.Context) (*Result, error) {
	rows, err := p.cfg.Store.UnprocessedRevenue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load unprocessed revenue: %w", err)
	}

	var total uint64
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		total += r.Amount
		ids = append(ids, r.ID)
	}
	if total == 0 {
		p.log.Debug("buyback: no unprocessed revenue")
		return &Result{Skipped: true, SkipReason: "no unprocessed revenue"}, nil
	}

	team := total * uint64(p.cfg.TeamPct) / 100
	ops := total * uint64(p.cfg.OpsPct) / 100
	pool := total - team - ops // pool absorbs the split remainder
	swapAmount := pool * uint64(p.cfg.SwapPct) / 100

	if swapAmount == 0 {
		p.log.Info("buyback: conversion amount rounds to zero, waiting for more revenue",
			"revenue", total, "pool", pool, "swap_pct", p.cfg.SwapPct)
		return &Result{Skipped: true, SkipReason: "conversion amount rounds to zero"}, nil
	}

	p.log.Info("buyback: processing revenue",
		"rows", len(rows), "revenue", total, "pool", pool, "team", team, "ops", ops, "swap", swapAmount)

	if team > 0 {
		if err := p.transferShare(ctx, p.cfg.TeamWallet, team, "team"); err != nil {
			return nil, err
		}
	}
	if ops > 0 {
		if err := p.transferShare(ctx, p.cfg.OpsWallet, ops, "ops"); err != nil {
			return nil, err
		}
	}

	ref, amountOut, err := p.swap(ctx, swapAmount)
	if err != nil {
		return nil, err
	}

	// The swap is spent. Everything after runs on a detached context so a
	// cancelled cycle still lands the proceeds and the record.
	done := context.WithoutCancel(ctx)

	if err := p.moveToPool(done); err != nil {
		p.log.Error("buyback: proceeds remain in the revenue wallet, swept on the next cycle",
			"amount", amountOut, "swap_reference", ref.String(), "error", err)
	}

	id, err := p.cfg.Store.CommitConversion(done, store.ConversionRecord{
		Reference: ref.String(),
		AmountIn:  swapAmount,
		AmountOut: amountOut,
		Price:     float64(swapAmount) / float64(amountOut),
	}, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to commit conversion %s: %w", ref, err)
	}

	result := &Result{
		ConversionID: id,
		AmountIn:     swapAmount,
		AmountOut:    amountOut,
		TeamAmount:   team,
		OpsAmount:    ops,
		RevenueRows:  len(rows),
	}

	p.log.Info("buyback: conversion committed",
		"conversion_id", id,
		"amount_in", swapAmount,
		"amount_out", amountOut,
		"revenue_rows", len(rows),
		"reference", ref.String())

	p.notifyPool(ctx)
	return result, nil
}

func (p *Pipeline) transferShare(ctx context.Context, to solana.PublicKey, lamports uint64, share string) error {
	sig, err := p.cfg.Issuer.SubmitSOLTransfer(ctx, p.cfg.Signer, to, lamports)
	if err != nil {
		return fmt.Errorf("failed to transfer %s share: %w", share, err)
	}
	if confirmed := p.cfg.Confirm.Confirm(ctx, []solana.Signature{sig}); !confirmed[sig] {
		return fmt.Errorf("%s share transfer %s was not confirmed", share, sig)
	}
	p.log.Info("buyback: share transferred", "share", share, "amount", lamports, "reference", sig.String())
	return nil
}

// swap converts lamports into the reward token through the conversion
// service. The service rejects expired quotes, so a quote that aged past
// its freshness window while the transaction was being built is discarded
// and refetched exactly once.
func (p *Pipeline) swap(ctx context.Context, amount uint64) (solana.Signature, uint64, error) {
	quote, err := p.cfg.Swaps.Quote(ctx, jupiter.WSOL, p.cfg.Mint, amount, p.cfg.SlippageBps)
	if err != nil {
		return solana.Signature{}, 0, fmt.Errorf("failed to fetch quote: %w", err)
	}
	serialized, err := p.cfg.Swaps.SwapTransaction(ctx, quote, p.signer)
	if err != nil {
		return solana.Signature{}, 0, fmt.Errorf("failed to build swap transaction: %w", err)
	}

	if !quote.Fresh(p.cfg.Clock.Now(), p.cfg.QuoteTTL) {
		metrics.QuoteRefetchTotal.Inc()
		p.log.Warn("buyback: quote went stale before submission, refetching",
			"fetched_at", quote.FetchedAt, "ttl", p.cfg.QuoteTTL)

		quote, err = p.cfg.Swaps.Quote(ctx, jupiter.WSOL, p.cfg.Mint, amount, p.cfg.SlippageBps)
		if err != nil {
			return solana.Signature{}, 0, fmt.Errorf("failed to refetch quote: %w", err)
		}
		serialized, err = p.cfg.Swaps.SwapTransaction(ctx, quote, p.signer)
		if err != nil {
			return solana.Signature{}, 0, fmt.Errorf("failed to rebuild swap transaction: %w", err)
		}
		if !quote.Fresh(p.cfg.Clock.Now(), p.cfg.QuoteTTL) {
			return solana.Signature{}, 0, errors.New("quote expired again after refetch")
		}
	}

	sig, err := p.cfg.Issuer.SubmitSerializedTransaction(ctx, serialized, p.cfg.Signer)
	if err != nil {
		return solana.Signature{}, 0, fmt.Errorf("failed to submit swap: %w", err)
	}
	if confirmed := p.cfg.Confirm.Confirm(ctx, []solana.Signature{sig}); !confirmed[sig] {
		return solana.Signature{}, 0, fmt.Errorf("swap %s was not confirmed", sig)
	}
	return sig, quote.OutAmount, nil
}

// moveToPool sweeps the revenue wallet's full token balance to the reward
// pool. Sweeping the balance rather than the quoted amount covers slippage
// drift and picks up proceeds a previous failed sweep left behind.
func (p *Pipeline) moveToPool(ctx context.Context) error {
	balance, err := p.cfg.Balances.TokenBalance(ctx, p.signer, p.cfg.Mint)
	if err != nil {
		return fmt.Errorf("failed to read proceeds balance: %w", err)
	}
	if balance == 0 {
		return nil
	}
	sig, err := p.cfg.Issuer.SubmitTokenTransfer(ctx, p.cfg.Signer, p.cfg.Pool, p.cfg.Mint, balance)
	if err != nil {
		return fmt.Errorf("failed to transfer proceeds to the pool: %w", err)
	}
	if confirmed := p.cfg.Confirm.Confirm(ctx, []solana.Signature{sig}); !confirmed[sig] {
		return fmt.Errorf("pool transfer %s was not confirmed", sig)
	}
	p.log.Info("buyback: proceeds moved to the pool", "amount", balance, "reference", sig.String())
	return nil
}

func (p *Pipeline) notifyPool(ctx context.Context) {
	if p.cfg.Balances == nil {
		return
	}
	balance, err := p.cfg.Balances.TokenBalance(ctx, p.cfg.Pool, p.cfg.Mint)
	if err != nil {
		p.log.Warn("buyback: failed to read pool balance for notification", "error", err)
		return
	}
	update := notify.PoolUpdate{Balance: balance}
	if p.cfg.Prices != nil {
		if price, err := p.cfg.Prices.Price(ctx, p.cfg.Mint); err == nil {
			update.ValueUSD = float64(balance) / math.Pow10(p.cfg.TokenDecimals) * price
		}
	}
	if err := p.cfg.Notifier.PoolUpdated(ctx, update); err != nil {
		p.log.Warn("buyback: notification failed", "error", err)
	}
}
