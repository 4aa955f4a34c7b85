package sol

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/payout/pkg/retry"
	payouttesting "github.com/malbeclabs/payout/pkg/testing"
	"github.com/stretchr/testify/require"
)

var _ RPC = (*mockRPC)(nil)

type mockRPC struct {
	getLatestBlockhashFunc         func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	sendTransactionWithOptsFunc    func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error)
	getSignatureStatusesFunc       func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	getMultipleAccountsFunc        func(context.Context, ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error)
	getProgramAccountsWithOptsFunc func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	getBalanceFunc                 func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
}

func (m *mockRPC) GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	if m.getLatestBlockhashFunc != nil {
		return m.getLatestBlockhashFunc(ctx, commitment)
	}
	return &solanarpc.GetLatestBlockhashResult{
		Value: &solanarpc.LatestBlockhashResult{Blockhash: solana.Hash{1}},
	}, nil
}

func (m *mockRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	if m.sendTransactionWithOptsFunc != nil {
		return m.sendTransactionWithOptsFunc(ctx, tx, opts)
	}
	return solana.Signature{1}, nil
}

func (m *mockRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	if m.getSignatureStatusesFunc != nil {
		return m.getSignatureStatusesFunc(ctx, searchTransactionHistory, sigs...)
	}
	statuses := make([]*solanarpc.SignatureStatusesResult, len(sigs))
	for i := range sigs {
		statuses[i] = &solanarpc.SignatureStatusesResult{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized}
	}
	return &solanarpc.GetSignatureStatusesResult{Value: statuses}, nil
}

func (m *mockRPC) GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
	if m.getMultipleAccountsFunc != nil {
		return m.getMultipleAccountsFunc(ctx, accounts...)
	}
	value := make([]*solanarpc.Account, len(accounts))
	for i := range accounts {
		value[i] = &solanarpc.Account{}
	}
	return &solanarpc.GetMultipleAccountsResult{Value: value}, nil
}

func (m *mockRPC) GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
	if m.getProgramAccountsWithOptsFunc != nil {
		return m.getProgramAccountsWithOptsFunc(ctx, program, opts)
	}
	return solanarpc.GetProgramAccountsResult{}, nil
}

func (m *mockRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account, commitment)
	}
	return &solanarpc.GetBalanceResult{Value: 0}, nil
}

func testSolClient(t *testing.T, rpc RPC) *Client {
	client, err := NewClient(ClientConfig{
		Logger: payouttesting.NewLogger(),
		RPC:    rpc,
		Retry:  retry.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return client
}

// accountData builds account data the way RPC responses carry it.
func accountData(t *testing.T, raw []byte) *solanarpc.DataBytesOrJSON {
	var data solanarpc.DataBytesOrJSON
	payload := fmt.Sprintf(`["%s","base64"]`, base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, json.Unmarshal([]byte(payload), &data))
	return &data
}

func tokenAccountBytes(mint, owner solana.PublicKey, amount uint64) []byte {
	data := make([]byte, tokenAccountSize)
	copy(data[0:32], mint[:])
	copy(data[tokenOwnerOffset:tokenAmountOffset], owner[:])
	binary.LittleEndian.PutUint64(data[tokenAmountOffset:tokenAmountEndByte], amount)
	return data
}

func TestPayout_Sol_Client_NewClient(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		client, err := NewClient(ClientConfig{RPC: &mockRPC{}})
		require.Error(t, err)
		require.Nil(t, client)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing rpc", func(t *testing.T) {
		t.Parallel()
		client, err := NewClient(ClientConfig{Logger: payouttesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, client)
		require.Contains(t, err.Error(), "rpc is required")
	})

	t.Run("defaults retry config", func(t *testing.T) {
		t.Parallel()
		client, err := NewClient(ClientConfig{Logger: payouttesting.NewLogger(), RPC: &mockRPC{}})
		require.NoError(t, err)
		require.NotNil(t, client)
		require.Equal(t, retry.DefaultConfig().MaxAttempts, client.cfg.Retry.MaxAttempts)
	})
}

func TestPayout_Sol_Client_LatestBlockhash(t *testing.T) {
	t.Parallel()

	t.Run("returns blockhash", func(t *testing.T) {
		t.Parallel()

		client := testSolClient(t, &mockRPC{})

		hash, err := client.LatestBlockhash(context.Background())
		require.NoError(t, err)
		require.Equal(t, solana.Hash{1}, hash)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()

		calls := 0
		rpc := &mockRPC{
			getLatestBlockhashFunc: func(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
				calls++
				if calls == 1 {
					return nil, errors.New("connection refused")
				}
				return &solanarpc.GetLatestBlockhashResult{
					Value: &solanarpc.LatestBlockhashResult{Blockhash: solana.Hash{2}},
				}, nil
			},
		}
		client := testSolClient(t, rpc)

		hash, err := client.LatestBlockhash(context.Background())
		require.NoError(t, err)
		require.Equal(t, solana.Hash{2}, hash)
		require.Equal(t, 2, calls)
	})

	t.Run("returns error when response is empty", func(t *testing.T) {
		t.Parallel()

		rpc := &mockRPC{
			getLatestBlockhashFunc: func(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
				return &solanarpc.GetLatestBlockhashResult{}, nil
			},
		}
		client := testSolClient(t, rpc)

		_, err := client.LatestBlockhash(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "empty blockhash response")
	})
}

func TestPayout_Sol_Client_AccountsExist(t *testing.T) {
	t.Parallel()

	t.Run("reports existence per account", func(t *testing.T) {
		t.Parallel()

		rpc := &mockRPC{
			getMultipleAccountsFunc: func(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
				return &solanarpc.GetMultipleAccountsResult{
					Value: []*solanarpc.Account{{}, nil, {}},
				}, nil
			},
		}
		client := testSolClient(t, rpc)

		addrs := []solana.PublicKey{
			solana.NewWallet().PublicKey(),
			solana.NewWallet().PublicKey(),
			solana.NewWallet().PublicKey(),
		}
		exists, err := client.AccountsExist(context.Background(), addrs)
		require.NoError(t, err)
		require.Equal(t, []bool{true, false, true}, exists)
	})

	t.Run("empty input makes no rpc call", func(t *testing.T) {
		t.Parallel()

		calls := 0
		rpc := &mockRPC{
			getMultipleAccountsFunc: func(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
				calls++
				return &solanarpc.GetMultipleAccountsResult{}, nil
			},
		}
		client := testSolClient(t, rpc)

		exists, err := client.AccountsExist(context.Background(), nil)
		require.NoError(t, err)
		require.Nil(t, exists)
		require.Zero(t, calls)
	})

	t.Run("errors on length mismatch", func(t *testing.T) {
		t.Parallel()

		rpc := &mockRPC{
			getMultipleAccountsFunc: func(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
				return &solanarpc.GetMultipleAccountsResult{Value: []*solanarpc.Account{nil}}, nil
			},
		}
		client := testSolClient(t, rpc)

		_, err := client.AccountsExist(context.Background(), []solana.PublicKey{
			solana.NewWallet().PublicKey(),
			solana.NewWallet().PublicKey(),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected account response length")
	})
}

func TestPayout_Sol_Client_TokenBalance(t *testing.T) {
	t.Parallel()

	mint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	t.Run("returns balance from token account data", func(t *testing.T) {
		t.Parallel()

		owner := solana.NewWallet().PublicKey()
		rpc := &mockRPC{
			getMultipleAccountsFunc: func(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
				require.Len(t, accounts, 1)
				return &solanarpc.GetMultipleAccountsResult{
					Value: []*solanarpc.Account{
						{Data: accountData(t, tokenAccountBytes(mint, owner, 123456))},
					},
				}, nil
			},
		}
		client := testSolClient(t, rpc)

		balance, err := client.TokenBalance(context.Background(), owner, mint)
		require.NoError(t, err)
		require.Equal(t, uint64(123456), balance)
	})

	t.Run("returns zero when token account is missing", func(t *testing.T) {
		t.Parallel()

		rpc := &mockRPC{
			getMultipleAccountsFunc: func(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
				return &solanarpc.GetMultipleAccountsResult{Value: []*solanarpc.Account{nil}}, nil
			},
		}
		client := testSolClient(t, rpc)

		balance, err := client.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), mint)
		require.NoError(t, err)
		require.Zero(t, balance)
	})

	t.Run("errors on truncated account data", func(t *testing.T) {
		t.Parallel()

		rpc := &mockRPC{
			getMultipleAccountsFunc: func(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
				return &solanarpc.GetMultipleAccountsResult{
					Value: []*solanarpc.Account{{Data: accountData(t, make([]byte, 10))}},
				}, nil
			},
		}
		client := testSolClient(t, rpc)

		_, err := client.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), mint)
		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected token account size")
	})
}

func TestPayout_Sol_Client_TokenHolders(t *testing.T) {
	t.Parallel()

	mint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	t.Run("aggregates balances across token accounts per owner", func(t *testing.T) {
		t.Parallel()

		ownerA := solana.NewWallet().PublicKey()
		ownerB := solana.NewWallet().PublicKey()
		rpc := &mockRPC{
			getProgramAccountsWithOptsFunc: func(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				require.True(t, program.Equals(solana.TokenProgramID))
				require.Len(t, opts.Filters, 2)
				return solanarpc.GetProgramAccountsResult{
					{Pubkey: solana.NewWallet().PublicKey(), Account: &solanarpc.Account{Data: accountData(t, tokenAccountBytes(mint, ownerA, 100))}},
					{Pubkey: solana.NewWallet().PublicKey(), Account: &solanarpc.Account{Data: accountData(t, tokenAccountBytes(mint, ownerB, 70))}},
					{Pubkey: solana.NewWallet().PublicKey(), Account: &solanarpc.Account{Data: accountData(t, tokenAccountBytes(mint, ownerA, 25))}},
				}, nil
			},
		}
		client := testSolClient(t, rpc)

		holders, err := client.TokenHolders(context.Background(), mint)
		require.NoError(t, err)
		require.Len(t, holders, 2)

		byOwner := make(map[solana.PublicKey]uint64, len(holders))
		for _, h := range holders {
			byOwner[h.Owner] = h.Amount
		}
		require.Equal(t, uint64(125), byOwner[ownerA])
		require.Equal(t, uint64(70), byOwner[ownerB])
	})

	t.Run("skips malformed accounts", func(t *testing.T) {
		t.Parallel()

		owner := solana.NewWallet().PublicKey()
		rpc := &mockRPC{
			getProgramAccountsWithOptsFunc: func(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				return solanarpc.GetProgramAccountsResult{
					{Pubkey: solana.NewWallet().PublicKey(), Account: &solanarpc.Account{Data: accountData(t, make([]byte, 8))}},
					{Pubkey: solana.NewWallet().PublicKey(), Account: &solanarpc.Account{Data: accountData(t, tokenAccountBytes(mint, owner, 55))}},
				}, nil
			},
		}
		client := testSolClient(t, rpc)

		holders, err := client.TokenHolders(context.Background(), mint)
		require.NoError(t, err)
		require.Equal(t, []TokenHolder{{Owner: owner, Amount: 55}}, holders)
	})

	t.Run("returns empty when mint has no accounts", func(t *testing.T) {
		t.Parallel()

		client := testSolClient(t, &mockRPC{})

		holders, err := client.TokenHolders(context.Background(), mint)
		require.NoError(t, err)
		require.Empty(t, holders)
	})
}

func TestPayout_Sol_Client_Balance(t *testing.T) {
	t.Parallel()

	t.Run("returns lamport balance", func(t *testing.T) {
		t.Parallel()

		rpc := &mockRPC{
			getBalanceFunc: func(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
				return &solanarpc.GetBalanceResult{Value: 777}, nil
			},
		}
		client := testSolClient(t, rpc)

		balance, err := client.Balance(context.Background(), solana.NewWallet().PublicKey())
		require.NoError(t, err)
		require.Equal(t, uint64(777), balance)
	})
}
