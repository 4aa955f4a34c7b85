package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/planner"
)

type SequentialConfig struct {
	Logger    *slog.Logger
	Submitter Submitter
	Confirmer Confirmer
	Signer    solana.PrivateKey
	Mint      solana.PublicKey

	// SubmitInterval paces submissions to stay under RPC rate limits.
	SubmitInterval time.Duration
}

func (cfg *SequentialConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.Confirmer == nil {
		return errors.New("confirmer is required")
	}
	if len(cfg.Signer) == 0 {
		return errors.New("signer is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.SubmitInterval <= 0 {
		cfg.SubmitInterval = 150 * time.Millisecond
	}
	return nil
}

// Sequential submits one transaction per recipient, paced by a rate
// limiter, and batch-confirms all submitted signatures afterwards. A failed
// submit only loses that recipient; the rest of the plan proceeds.
type Sequential struct {
	log     *slog.Logger
	cfg     SequentialConfig
	limiter *rate.Limiter
}

func NewSequential(cfg SequentialConfig) (*Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sequential{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.SubmitInterval), 1),
	}, nil
}

func (e *Sequential) Execute(ctx context.Context, shares []planner.RecipientShare) (map[string]*string, error) {
	results := make(map[string]*string, len(shares))
	for _, share := range shares {
		results[share.Account] = nil
	}
	if len(shares) == 0 {
		return results, nil
	}

	e.log.Info("transfer: executing sequential transfers", "recipients", len(shares))

	sigToAccount := make(map[solana.Signature]string, len(shares))
	sigs := make([]solana.Signature, 0, len(shares))
	for _, share := range shares {
		if err := e.limiter.Wait(ctx); err != nil {
			return results, fmt.Errorf("cancelled while pacing transfers: %w", err)
		}

		recipient, err := solana.PublicKeyFromBase58(share.Account)
		if err != nil {
			e.log.Error("transfer: invalid recipient account", "account", share.Account, "error", err)
			metrics.TransfersTotal.WithLabelValues("sequential", "invalid").Inc()
			continue
		}

		sig, err := e.cfg.Submitter.SubmitTokenTransfer(ctx, e.cfg.Signer, recipient, e.cfg.Mint, share.Amount)
		if err != nil {
			e.log.Error("transfer: submit failed", "account", share.Account, "amount", share.Amount, "error", err)
			metrics.TransfersTotal.WithLabelValues("sequential", "submit_failed").Inc()
			continue
		}
		sigToAccount[sig] = share.Account
		sigs = append(sigs, sig)
	}

	confirmed := e.cfg.Confirmer.Confirm(ctx, sigs)
	for _, sig := range sigs {
		account := sigToAccount[sig]
		if !confirmed[sig] {
			e.log.Warn("transfer: unconfirmed", "account", account, "signature", sig.String())
			metrics.TransfersTotal.WithLabelValues("sequential", "unconfirmed").Inc()
			continue
		}
		ref := sig.String()
		results[account] = &ref
		metrics.TransfersTotal.WithLabelValues("sequential", "confirmed").Inc()
	}

	e.log.Info("transfer: sequential transfers done", "submitted", len(sigs), "recipients", len(shares))
	return results, nil
}
