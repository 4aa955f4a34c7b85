package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/sol"
)

type BatchedConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Submitter Submitter
	Confirmer Confirmer
	Signer    solana.PrivateKey
	Mint      solana.PublicKey

	// BatchSize is the number of transfers packed into one transaction.
	BatchSize int

	// BatchDelay is the pause between batch submissions.
	BatchDelay time.Duration
}

func (cfg *BatchedConfig) Validate() error {
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
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Batched packs recipients into multi-transfer transactions. A batch lands
// or fails as a unit: its recipients share one signature on success and are
// all unpaid on failure. A failed batch never stops the remaining batches.
type Batched struct {
	log *slog.Logger
	cfg BatchedConfig
}

func NewBatched(cfg BatchedConfig) (*Batched, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batched{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (e *Batched) Execute(ctx context.Context, shares []planner.RecipientShare) (map[string]*string, error) {
	results := make(map[string]*string, len(shares))
	for _, share := range shares {
		results[share.Account] = nil
	}
	if len(shares) == 0 {
		return results, nil
	}

	e.log.Info("transfer: executing batched transfers", "recipients", len(shares), "batch_size", e.cfg.BatchSize)

	type submission struct {
		sig      solana.Signature
		accounts []string
	}
	var submitted []submission
	sigs := make([]solana.Signature, 0, (len(shares)+e.cfg.BatchSize-1)/e.cfg.BatchSize)

	for start := 0; start < len(shares); start += e.cfg.BatchSize {
		chunk := shares[start:min(start+e.cfg.BatchSize, len(shares))]

		if start > 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return results, fmt.Errorf("cancelled between batches: %w", ctx.Err())
			case <-e.cfg.Clock.After(e.cfg.BatchDelay):
			}
		}

		reqs := make([]sol.TransferRequest, 0, len(chunk))
		accounts := make([]string, 0, len(chunk))
		for _, share := range chunk {
			recipient, err := solana.PublicKeyFromBase58(share.Account)
			if err != nil {
				e.log.Error("transfer: invalid recipient account", "account", share.Account, "error", err)
				metrics.TransfersTotal.WithLabelValues("batched", "invalid").Inc()
				continue
			}
			reqs = append(reqs, sol.TransferRequest{Wallet: recipient, Amount: share.Amount})
			accounts = append(accounts, share.Account)
		}
		if len(reqs) == 0 {
			continue
		}

		sig, err := e.cfg.Submitter.SubmitTokenTransferBatch(ctx, e.cfg.Signer, e.cfg.Mint, reqs)
		if err != nil {
			e.log.Error("transfer: batch submit failed", "batch_start", start, "recipients", len(reqs), "error", err)
			for range reqs {
				metrics.TransfersTotal.WithLabelValues("batched", "submit_failed").Inc()
			}
			continue
		}
		submitted = append(submitted, submission{sig: sig, accounts: accounts})
		sigs = append(sigs, sig)
	}

	confirmed := e.cfg.Confirmer.Confirm(ctx, sigs)
	for _, batch := range submitted {
		for _, account := range batch.accounts {
			if !confirmed[batch.sig] {
				e.log.Warn("transfer: batch unconfirmed", "account", account, "signature", batch.sig.String())
				metrics.TransfersTotal.WithLabelValues("batched", "unconfirmed").Inc()
				continue
			}
			ref := batch.sig.String()
			results[account] = &ref
			metrics.TransfersTotal.WithLabelValues("batched", "confirmed").Inc()
		}
	}

	e.log.Info("transfer: batched transfers done", "batches", len(submitted), "recipients", len(shares))
	return results, nil
}
