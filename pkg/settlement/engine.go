// Package settlement orchestrates distribution runs: acquire the cluster
// lock, evaluate the trigger, compute weights, build a plan, execute the
// transfers, and commit the outcome to the ledger inside the transaction
// that holds the lock.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/notify"
	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/store"
	"github.com/malbeclabs/payout/pkg/transfer"
	"github.com/malbeclabs/payout/pkg/weights"
)

// Ledger is the slice of the postgres store the engine drives.
type Ledger interface {
	WithLock(ctx context.Context, owner string, fn func(pgx.Tx) error) (bool, error)
	CommitDistribution(ctx context.Context, q store.Querier, plan *planner.Plan, results map[string]*string) (int64, error)
	DistributionRecipients(ctx context.Context, distributionID int64) ([]store.DistributionRecipient, error)
	FailedTransfers(ctx context.Context, distributionID *int64) ([]store.DistributionRecipient, error)
	MarkRecipientPaid(ctx context.Context, recipientID int64, reference string) error
	Stats(ctx context.Context) (*store.SystemStats, error)
}

var _ Ledger = (*store.Store)(nil)

// BalanceReader reads the reward pool's token balance.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
}

// PriceSource quotes the reward token's USD price per whole token.
type PriceSource interface {
	Price(ctx context.Context, mint solana.PublicKey) (float64, error)
}

// TransferIssuer sends one reward transfer; used by reconciliation.
type TransferIssuer interface {
	SubmitTokenTransfer(ctx context.Context, signer solana.PrivateKey, recipient, mint solana.PublicKey, amount uint64) (solana.Signature, error)
}

// ReportSink uploads a committed distribution's recipient report.
// Implemented by export.Reporter.
type ReportSink interface {
	Upload(ctx context.Context, distributionID int64, recipients []store.DistributionRecipient) (string, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   Ledger
	Weights  weights.Calculator
	Planner  *planner.Planner
	Trigger  planner.Trigger
	Executor transfer.Executor
	Balances BalanceReader
	Issuer   TransferIssuer
	Confirm  transfer.Confirmer

	// Prices is optional; without it the pool's USD value stays zero and
	// threshold triggers never fire on value.
	Prices PriceSource

	// Notifier and Reporter are best-effort sinks; failures are logged and
	// never fail a run.
	Notifier notify.Notifier
	Reporter ReportSink

	Signer        solana.PrivateKey
	Mint          solana.PublicKey
	TokenDecimals int

	// Window is the weight-computation lookback ending at run time.
	Window time.Duration

	// Owner identifies this worker on the settlement lock row.
	Owner string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Weights == nil {
		return errors.New("weight calculator is required")
	}
	if cfg.Planner == nil {
		return errors.New("planner is required")
	}
	if cfg.Executor == nil {
		return errors.New("transfer executor is required")
	}
	if cfg.Balances == nil {
		return errors.New("balance reader is required")
	}
	if cfg.Issuer == nil {
		return errors.New("transfer issuer is required")
	}
	if cfg.Confirm == nil {
		return errors.New("confirmer is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Trigger == nil {
		cfg.Trigger = planner.PoolPositive{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = 9
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "payout"
		}
		cfg.Owner = host + "-" + uuid.NewString()
	}
	return nil
}

// Result describes the outcome of a settlement run.
type Result struct {
	DistributionID int64
	Plan           *planner.Plan
	Paid           int
	Failed         int
	Skipped        bool
	SkipReason     string
}

// RetryResult summarizes a reconciliation pass.
type RetryResult struct {
	Attempted int
	Paid      int
	Failed    int
}

// Engine runs distributions end to end.
type Engine struct {
	log  *slog.Logger
	cfg  Config
	pool solana.PublicKey
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: cfg.Signer.PublicKey(),
	}, nil
}

// PoolStatus reads the reward pool balance, its USD value when a price
// source is wired, and the time of the last distribution.
func (e *Engine) PoolStatus(ctx context.Context) (planner.PoolStatus, error) {
	balance, err := e.cfg.Balances.TokenBalance(ctx, e.pool, e.cfg.Mint)
	if err != nil {
		return planner.PoolStatus{}, fmt.Errorf("failed to read pool balance: %w", err)
	}

	status := planner.PoolStatus{
		Balance: balance,
		Now:     e.cfg.Clock.Now(),
	}

	if e.cfg.Prices != nil && balance > 0 {
		price, err := e.cfg.Prices.Price(ctx, e.cfg.Mint)
		if err != nil {
			e.log.Warn("settlement: price lookup failed, pool value unknown", "error", err)
		} else {
			status.ValueUSD = float64(balance) / math.Pow10(e.cfg.TokenDecimals) * price
		}
	}

	stats, err := e.cfg.Ledger.Stats(ctx)
	if err != nil {
		return planner.PoolStatus{}, fmt.Errorf("failed to read system stats: %w", err)
	}
	if stats.LastDistributionAt != nil {
		status.LastExecuted = *stats.LastDistributionAt
	}
	return status, nil
}

// Preview computes the plan the next run would execute, without taking the
// lock, evaluating the trigger, or moving funds.
func (e *Engine) Preview(ctx context.Context) (*planner.Plan, error) {
	status, err := e.PoolStatus(ctx)
	if err != nil {
		return nil, err
	}
	return e.buildPlan(ctx, status.Balance, planner.TriggerManual)
}

// Run executes one settlement attempt. Force bypasses the trigger and
// records the distribution as manual. Lock contention and an empty plan
// are expected outcomes reported through Result, not errors.
//
// When transfer execution is cut short after funds moved, the partial
// results are still committed and Run returns both the Result and the
// execution error.
func (e *Engine) Run(ctx context.Context, force bool) (*Result, error) {
	started := e.cfg.Clock.Now()

	var (
		result  *Result
		execErr error
	)
	acquired, err := e.cfg.Ledger.WithLock(ctx, e.cfg.Owner, func(tx pgx.Tx) error {
		status, err := e.PoolStatus(ctx)
		if err != nil {
			return err
		}

		reason := planner.TriggerManual
		if !force {
			ok, triggerReason := e.cfg.Trigger.Evaluate(status)
			if !ok {
				e.log.Info("settlement: trigger not met, skipping run",
					"balance", status.Balance, "value_usd", status.ValueUSD)
				result = &Result{Skipped: true, SkipReason: "trigger not met"}
				return nil
			}
			reason = triggerReason
		}

		plan, err := e.buildPlan(ctx, status.Balance, reason)
		if err != nil {
			return err
		}
		if plan == nil {
			result = &Result{Skipped: true, SkipReason: "no plan"}
			return nil
		}

		e.log.Info("settlement: executing distribution plan",
			"pool", plan.PoolAmount, "recipients", len(plan.Recipients), "trigger", plan.TriggerReason)

		results, err := e.cfg.Executor.Execute(ctx, plan.Recipients)
		if err != nil && !anyPaid(results) {
			return fmt.Errorf("failed to execute transfers: %w", err)
		}
		// A cut-short run with confirmed transfers still commits: the
		// ledger must record money that moved. The error surfaces after.
		execErr = err

		commitCtx := ctx
		if execErr != nil {
			commitCtx = context.WithoutCancel(ctx)
		}
		id, err := e.cfg.Ledger.CommitDistribution(commitCtx, tx, plan, results)
		if err != nil {
			return fmt.Errorf("failed to commit distribution: %w", err)
		}

		paid := 0
		for _, ref := range results {
			if ref != nil {
				paid++
			}
		}
		result = &Result{
			DistributionID: id,
			Plan:           plan,
			Paid:           paid,
			Failed:         len(plan.Recipients) - paid,
		}
		return nil
	})

	elapsed := e.cfg.Clock.Since(started)
	switch {
	case err != nil:
		metrics.SettlementRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	case !acquired:
		metrics.SettlementRunsTotal.WithLabelValues("lock_contention").Inc()
		return &Result{Skipped: true, SkipReason: "lock held by another worker"}, nil
	case result.Skipped:
		metrics.SettlementRunsTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}

	metrics.SettlementRunDuration.Observe(elapsed.Seconds())
	if execErr != nil {
		metrics.SettlementRunsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.SettlementRunsTotal.WithLabelValues("success").Inc()
	}

	e.log.Info("settlement: distribution committed",
		"distribution_id", result.DistributionID,
		"pool", result.Plan.PoolAmount,
		"paid", result.Paid,
		"failed", result.Failed,
		"duration", elapsed.String())

	e.afterCommit(ctx, result)

	if execErr != nil {
		return result, fmt.Errorf("run cut short after commit: %w", execErr)
	}
	return result, nil
}

// RetryFailed re-issues the transfer for every recipient row that is still
// missing a reference, optionally scoped to one distribution. Per-row
// failures are logged and counted; they do not abort the pass.
func (e *Engine) RetryFailed(ctx context.Context, distributionID *int64) (*RetryResult, error) {
	rows, err := e.cfg.Ledger.FailedTransfers(ctx, distributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed transfers: %w", err)
	}

	result := &RetryResult{}
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if err := e.RetryTransfer(ctx, rec); err != nil {
			result.Failed++
			e.log.Warn("settlement: retry failed",
				"recipient", rec.Account, "distribution", rec.DistributionID, "amount", rec.Amount, "error", err)
			continue
		}
		result.Paid++
	}

	e.log.Info("settlement: reconciliation pass completed",
		"attempted", result.Attempted, "paid", result.Paid, "failed", result.Failed)
	return result, nil
}

// RetryTransfer re-issues the transfer for one recipient row. Retrying a
// row that already carries a reference is a no-op returning success.
func (e *Engine) RetryTransfer(ctx context.Context, rec store.DistributionRecipient) error {
	if rec.TransferReference != nil {
		e.log.Debug("settlement: recipient already paid, skipping retry",
			"recipient", rec.Account, "reference", *rec.TransferReference)
		return nil
	}

	to, err := solana.PublicKeyFromBase58(rec.Account)
	if err != nil {
		return fmt.Errorf("recipient %s is not a valid account: %w", rec.Account, err)
	}

	sig, err := e.cfg.Issuer.SubmitTokenTransfer(ctx, e.cfg.Signer, to, e.cfg.Mint, rec.Amount)
	if err != nil {
		return fmt.Errorf("failed to submit retry transfer: %w", err)
	}
	if confirmed := e.cfg.Confirm.Confirm(ctx, []solana.Signature{sig}); !confirmed[sig] {
		return fmt.Errorf("retry transfer %s was not confirmed", sig)
	}

	if err := e.cfg.Ledger.MarkRecipientPaid(ctx, rec.ID, sig.String()); err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}

	e.log.Info("settlement: failed transfer retried",
		"recipient", rec.Account, "amount", rec.Amount, "reference", sig.String())
	return nil
}

func (e *Engine) buildPlan(ctx context.Context, pool uint64, reason string) (*planner.Plan, error) {
	end := e.cfg.Clock.Now()
	start := end.Add(-e.cfg.Window)
	accountWeights, err := e.cfg.Weights.Weights(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to compute weights: %w", err)
	}
	return e.cfg.Planner.Build(pool, accountWeights, reason), nil
}

// afterCommit delivers the best-effort notification and report upload once
// the lock is released and the distribution is durable.
func (e *Engine) afterCommit(ctx context.Context, result *Result) {
	top := make([]notify.Recipient, 0, 3)
	for _, r := range result.Plan.Recipients {
		if len(top) == cap(top) {
			break
		}
		top = append(top, notify.Recipient{Account: r.Account, Amount: r.Amount})
	}
	err := e.cfg.Notifier.DistributionExecuted(ctx, notify.Distribution{
		ID:             result.DistributionID,
		TriggerReason:  result.Plan.TriggerReason,
		PoolAmount:     result.Plan.PoolAmount,
		RecipientCount: len(result.Plan.Recipients),
		PaidCount:      result.Paid,
		FailedCount:    result.Failed,
		TopRecipients:  top,
	})
	if err != nil {
		e.log.Warn("settlement: notification failed", "error", err)
	}

	if e.cfg.Reporter == nil {
		return
	}
	recipients, err := e.cfg.Ledger.DistributionRecipients(ctx, result.DistributionID)
	if err != nil {
		e.log.Warn("settlement: failed to load recipients for report", "error", err)
		return
	}
	if _, err := e.cfg.Reporter.Upload(ctx, result.DistributionID, recipients); err != nil {
		e.log.Warn("settlement: report upload failed", "error", err)
	}
}

func anyPaid(results map[string]*string) bool {
	for _, ref := range results {
		if ref != nil {
			return true
		}
	}
	return false
}
