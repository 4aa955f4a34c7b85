package sol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/malbeclabs/payout/pkg/metrics"
)

// Error patterns indicating a stale blockhash. Submissions failing with one of
// these are retried with a freshly fetched blockhash; anything else fails
// immediately.
var blockhashErrorPatterns = []string{
	"blockhash not found",
	"blockhashnotfound",
	"block height exceeded",
	"transaction simulation failed",
}

// Maximum re-submissions after a stale blockhash.
const maxBlockhashRetries = 2

// Upper bounds on a single transfer, rejected before any network call.
const (
	MaxSOLLamports = uint64(100_000_000_000_000)       // 100,000 SOL
	MaxTokenAmount = uint64(1_000_000_000_000_000_000) // sane upper bound for SPL amounts
)

// Compute budget sizing for batched transfers.
const (
	computeUnitsPerTransfer = 50_000
	computeUnitsOverhead    = 100_000
	computeUnitsMax         = 1_400_000
)

func isBlockhashErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range blockhashErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func validateLamports(amount uint64) error {
	if amount == 0 {
		return errors.New("amount must be positive")
	}
	if amount > MaxSOLLamports {
		return fmt.Errorf("amount exceeds maximum (%d lamports)", MaxSOLLamports)
	}
	return nil
}

func validateTokenAmount(amount uint64) error {
	if amount == 0 {
		return errors.New("amount must be positive")
	}
	if amount > MaxTokenAmount {
		return fmt.Errorf("amount exceeds maximum (%d)", MaxTokenAmount)
	}
	return nil
}

// TransferRequest is a single token transfer to a recipient wallet.
type TransferRequest struct {
	Wallet solana.PublicKey
	Amount uint64
}

type TxBuilderConfig struct {
	Logger *slog.Logger
	Client *Client
	// Priority fee attached to batched transactions, in micro-lamports per
	// compute unit.
	PriorityFeeMicroLamports uint64
}

func (cfg *TxBuilderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.PriorityFeeMicroLamports == 0 {
		cfg.PriorityFeeMicroLamports = 1000
	}
	return nil
}

// TxBuilder assembles, signs and submits transactions. Every submission
// attempt uses a freshly fetched blockhash; a stale-blockhash failure is
// retried a bounded number of times and any other failure surfaces
// immediately.
type TxBuilder struct {
	log *slog.Logger
	cfg TxBuilderConfig
}

func NewTxBuilder(cfg TxBuilderConfig) (*TxBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TxBuilder{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// BuildAndSubmit signs the instructions with a fresh blockhash and submits
// them, retrying stale-blockhash failures with a new blockhash each time.
func (b *TxBuilder) BuildAndSubmit(ctx context.Context, instrs []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error) {
	if len(instrs) == 0 {
		return solana.Signature{}, errors.New("no instructions")
	}

	var lastErr error
	for attempt := 0; attempt <= maxBlockhashRetries; attempt++ {
		blockhash, err := b.cfg.Client.LatestBlockhash(ctx)
		if err != nil {
			return solana.Signature{}, err
		}

		tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(signer.PublicKey()))
		if err != nil {
			return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
		}
		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(signer.PublicKey()) {
				return &signer
			}
			return nil
		}); err != nil {
			return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
		}

		sig, err := b.cfg.Client.SubmitTransaction(ctx, tx)
		if err == nil {
			b.log.Debug("solana: transaction submitted", "signature", sig.String(), "attempt", attempt+1)
			return sig, nil
		}
		if !isBlockhashErr(err) {
			return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
		}

		lastErr = err
		if attempt < maxBlockhashRetries {
			b.log.Warn("solana: stale blockhash, retrying with a fresh one", "attempt", attempt+1, "error", err)
			metrics.BlockhashRetriesTotal.Inc()
		}
	}
	return solana.Signature{}, fmt.Errorf("failed to submit transaction after %d attempts: %w", maxBlockhashRetries+1, lastErr)
}

// SubmitSOLTransfer sends lamports from the signer to the recipient wallet.
func (b *TxBuilder) SubmitSOLTransfer(ctx context.Context, signer solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	if err := validateLamports(lamports); err != nil {
		return solana.Signature{}, err
	}

	instr := system.NewTransferInstruction(lamports, signer.PublicKey(), to).Build()
	return b.BuildAndSubmit(ctx, []solana.Instruction{instr}, signer)
}

// SubmitTokenTransfer sends tokens from the signer's associated token account
// to the recipient's, creating the recipient account first when missing.
func (b *TxBuilder) SubmitTokenTransfer(ctx context.Context, signer solana.PrivateKey, to solana.PublicKey, mint solana.PublicKey, amount uint64) (solana.Signature, error) {
	if err := validateTokenAmount(amount); err != nil {
		return solana.Signature{}, err
	}

	fromATA, _, err := solana.FindAssociatedTokenAddress(signer.PublicKey(), mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive source token account: %w", err)
	}
	toATA, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	exists, err := b.cfg.Client.AccountsExist(ctx, []solana.PublicKey{toATA})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to check recipient token account: %w", err)
	}

	var instrs []solana.Instruction
	if !exists[0] {
		instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(signer.PublicKey(), to, mint).Build())
	}
	instrs = append(instrs, token.NewTransferInstruction(amount, fromATA, toATA, signer.PublicKey(), nil).Build())

	return b.BuildAndSubmit(ctx, instrs, signer)
}

// SubmitTokenTransferBatch sends tokens to every recipient in one atomic
// transaction: either all transfers land or none do. Missing recipient token
// accounts are created in the same transaction.
func (b *TxBuilder) SubmitTokenTransferBatch(ctx context.Context, signer solana.PrivateKey, mint solana.PublicKey, reqs []TransferRequest) (solana.Signature, error) {
	if len(reqs) == 0 {
		return solana.Signature{}, errors.New("no recipients")
	}
	for _, r := range reqs {
		if err := validateTokenAmount(r.Amount); err != nil {
			return solana.Signature{}, fmt.Errorf("invalid amount for %s: %w", r.Wallet.String(), err)
		}
	}

	fromATA, _, err := solana.FindAssociatedTokenAddress(signer.PublicKey(), mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive source token account: %w", err)
	}

	atas := make([]solana.PublicKey, len(reqs))
	for i, r := range reqs {
		ata, _, err := solana.FindAssociatedTokenAddress(r.Wallet, mint)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("failed to derive token account for %s: %w", r.Wallet.String(), err)
		}
		atas[i] = ata
	}

	exists, err := b.cfg.Client.AccountsExist(ctx, atas)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to check recipient token accounts: %w", err)
	}

	units := computeUnitsPerTransfer*len(reqs) + computeUnitsOverhead
	units = min(units, computeUnitsMax)

	instrs := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(uint32(units)).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(b.cfg.PriorityFeeMicroLamports).Build(),
	}
	for i, r := range reqs {
		if !exists[i] {
			instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(signer.PublicKey(), r.Wallet, mint).Build())
		}
	}
	for i, r := range reqs {
		instrs = append(instrs, token.NewTransferInstruction(r.Amount, fromATA, atas[i], signer.PublicKey(), nil).Build())
	}

	return b.BuildAndSubmit(ctx, instrs, signer)
}

// SubmitSerializedTransaction signs and submits a base64-serialized
// transaction produced by an external service. The embedded blockhash cannot
// be refreshed here, so stale-blockhash failures are not retried — the caller
// must rebuild the transaction instead.
func (b *TxBuilder) SubmitSerializedTransaction(ctx context.Context, serialized string, signer solana.PrivateKey) (solana.Signature, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode transaction: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := b.cfg.Client.SubmitTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
	}
	return sig, nil
}
