package sol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/payout/pkg/retry"
)

// SPL token account layout offsets. The first 32 bytes are the mint, the next
// 32 the owner, then the amount as a little-endian u64.
const (
	tokenAccountSize   = 165
	tokenOwnerOffset   = 32
	tokenAmountOffset  = 64
	tokenAmountEndByte = 72
)

// RPC is the slice of the Solana JSON-RPC API used by this service.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
}

// NewRPC returns a JSON-RPC client for the given endpoint.
func NewRPC(url string) RPC {
	return solanarpc.New(url)
}

// TokenHolder is a wallet holding a nonzero or zero balance of the reward
// token, aggregated across all of its token accounts for the mint.
type TokenHolder struct {
	Owner  solana.PublicKey
	Amount uint64
}

type ClientConfig struct {
	Logger *slog.Logger
	RPC    RPC
	Retry  retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client wraps the Solana RPC with retries on transient read failures.
// Transaction submission is never retried here; retry semantics for sends
// belong to the transaction builder.
type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// LatestBlockhash fetches a finalized recent blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var out *solanarpc.GetLatestBlockhashResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		out, err = c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("empty blockhash response")
	}
	return out.Value.Blockhash, nil
}

// SubmitTransaction broadcasts a signed transaction. The RPC node re-sends a
// few times internally; the preflight simulation runs at confirmed commitment.
func (c *Client) SubmitTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	maxRetries := uint(3)
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: solanarpc.CommitmentConfirmed,
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// SignatureStatuses returns one status entry per signature, aligned with the
// input order. A nil entry means the network has not processed it yet.
func (c *Client) SignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
	var out *solanarpc.GetSignatureStatusesResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		out, err = c.cfg.RPC.GetSignatureStatuses(ctx, false, sigs...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signature statuses: %w", err)
	}
	if out == nil {
		return nil, errors.New("empty signature status response")
	}
	return out.Value, nil
}

// AccountsExist reports, per address, whether the account exists on chain.
func (c *Client) AccountsExist(ctx context.Context, addrs []solana.PublicKey) ([]bool, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	var out *solanarpc.GetMultipleAccountsResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		out, err = c.cfg.RPC.GetMultipleAccounts(ctx, addrs...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	if out == nil {
		return nil, errors.New("empty account response")
	}
	if len(out.Value) != len(addrs) {
		return nil, fmt.Errorf("unexpected account response length: got %d, want %d", len(out.Value), len(addrs))
	}

	exists := make([]bool, len(addrs))
	for i, acc := range out.Value {
		exists[i] = acc != nil
	}
	return exists, nil
}

// TokenBalance returns the owner's balance of the given mint in base units,
// or zero when the owner has no associated token account.
func (c *Client) TokenBalance(ctx context.Context, owner solana.PublicKey, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive associated token account: %w", err)
	}

	var out *solanarpc.GetMultipleAccountsResult
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		out, err = c.cfg.RPC.GetMultipleAccounts(ctx, ata)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch token account: %w", err)
	}
	if out == nil || len(out.Value) != 1 {
		return 0, errors.New("unexpected token account response")
	}
	if out.Value[0] == nil {
		return 0, nil
	}

	data := out.Value[0].Data.GetBinary()
	if len(data) < tokenAmountEndByte {
		return 0, fmt.Errorf("unexpected token account size: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[tokenAmountOffset:tokenAmountEndByte]), nil
}

// Balance returns the lamport balance of the given account.
func (c *Client) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	var out *solanarpc.GetBalanceResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		out, err = c.cfg.RPC.GetBalance(ctx, addr, solanarpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance: %w", err)
	}
	if out == nil {
		return 0, errors.New("empty balance response")
	}
	return out.Value, nil
}

// TokenHolders returns every wallet holding the given mint, with balances
// summed across a wallet's token accounts, sorted by owner for deterministic
// output.
func (c *Client) TokenHolders(ctx context.Context, mint solana.PublicKey) ([]TokenHolder, error) {
	var out solanarpc.GetProgramAccountsResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		out, err = c.cfg.RPC.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &solanarpc.GetProgramAccountsOpts{
			Encoding: solana.EncodingBase64,
			Filters: []solanarpc.RPCFilter{
				{DataSize: tokenAccountSize},
				{Memcmp: &solanarpc.RPCFilterMemcmp{
					Offset: 0,
					Bytes:  solana.Base58(mint.Bytes()),
				}},
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token accounts: %w", err)
	}

	totals := make(map[solana.PublicKey]uint64, len(out))
	for _, acc := range out {
		if acc == nil || acc.Account == nil {
			continue
		}
		data := acc.Account.Data.GetBinary()
		if len(data) < tokenAmountEndByte {
			c.log.Warn("solana: skipping malformed token account", "account", acc.Pubkey.String(), "size", len(data))
			continue
		}
		owner := solana.PublicKeyFromBytes(data[tokenOwnerOffset:tokenAmountOffset])
		amount := binary.LittleEndian.Uint64(data[tokenAmountOffset:tokenAmountEndByte])
		totals[owner] += amount
	}

	holders := make([]TokenHolder, 0, len(totals))
	for owner, amount := range totals {
		holders = append(holders, TokenHolder{Owner: owner, Amount: amount})
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i].Owner[:], holders[j].Owner[:]) < 0
	})

	c.log.Debug("solana: fetched token holders", "mint", mint.String(), "count", len(holders))
	return holders, nil
}
