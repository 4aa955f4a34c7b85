package sol

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	payouttesting "github.com/malbeclabs/payout/pkg/testing"
	"github.com/stretchr/testify/require"
)

var (
	_ StatusRPC = (*Client)(nil)
	_ StatusRPC = (*mockStatusRPC)(nil)
)

type mockStatusRPC struct {
	signatureStatusesFunc func(context.Context, []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error)
}

func (m *mockStatusRPC) SignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
	if m.signatureStatusesFunc != nil {
		return m.signatureStatusesFunc(ctx, sigs)
	}
	statuses := make([]*solanarpc.SignatureStatusesResult, len(sigs))
	for i := range sigs {
		statuses[i] = &solanarpc.SignatureStatusesResult{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized}
	}
	return statuses, nil
}

func testConfirmator(t *testing.T, rpc StatusRPC, timeout, pollInterval time.Duration) *Confirmator {
	confirmator, err := NewConfirmator(ConfirmatorConfig{
		Logger:       payouttesting.NewLogger(),
		RPC:          rpc,
		Timeout:      timeout,
		PollInterval: pollInterval,
	})
	require.NoError(t, err)
	return confirmator
}

func TestPayout_Sol_Confirmator_NewConfirmator(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		confirmator, err := NewConfirmator(ConfirmatorConfig{})
		require.Error(t, err)
		require.Nil(t, confirmator)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing rpc", func(t *testing.T) {
		t.Parallel()
		confirmator, err := NewConfirmator(ConfirmatorConfig{Logger: payouttesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, confirmator)
		require.Contains(t, err.Error(), "status rpc is required")
	})

	t.Run("missing timeout", func(t *testing.T) {
		t.Parallel()
		confirmator, err := NewConfirmator(ConfirmatorConfig{
			Logger: payouttesting.NewLogger(),
			RPC:    &mockStatusRPC{},
		})
		require.Error(t, err)
		require.Nil(t, confirmator)
		require.Contains(t, err.Error(), "timeout must be greater than 0")
	})

	t.Run("missing poll interval", func(t *testing.T) {
		t.Parallel()
		confirmator, err := NewConfirmator(ConfirmatorConfig{
			Logger:  payouttesting.NewLogger(),
			RPC:     &mockStatusRPC{},
			Timeout: time.Second,
		})
		require.Error(t, err)
		require.Nil(t, confirmator)
		require.Contains(t, err.Error(), "poll interval must be greater than 0")
	})

	t.Run("defaults clock", func(t *testing.T) {
		t.Parallel()
		confirmator := testConfirmator(t, &mockStatusRPC{}, time.Second, time.Millisecond)
		require.NotNil(t, confirmator.cfg.Clock)
	})
}

func TestPayout_Sol_Confirmator_Confirm(t *testing.T) {
	t.Parallel()

	sigA := solana.Signature{1}
	sigB := solana.Signature{2}

	t.Run("empty input does not poll", func(t *testing.T) {
		t.Parallel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				return nil, nil
			},
		}
		confirmator := testConfirmator(t, rpc, time.Second, time.Millisecond)

		results := confirmator.Confirm(context.Background(), nil)
		require.Empty(t, results)
		require.Zero(t, statusCalls)
	})

	t.Run("confirms all signatures in one poll", func(t *testing.T) {
		t.Parallel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				require.Equal(t, []solana.Signature{sigA, sigB}, sigs)
				return []*solanarpc.SignatureStatusesResult{
					{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized},
					{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed},
				}, nil
			},
		}
		confirmator := testConfirmator(t, rpc, time.Second, time.Millisecond)

		results := confirmator.Confirm(context.Background(), []solana.Signature{sigA, sigB})
		require.Equal(t, map[solana.Signature]bool{sigA: true, sigB: true}, results)
		require.Equal(t, 1, statusCalls)
	})

	t.Run("marks execution errors failed without re-polling them", func(t *testing.T) {
		t.Parallel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				return []*solanarpc.SignatureStatusesResult{
					{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized},
					{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized, Err: map[string]any{"InstructionError": []any{}}},
				}, nil
			},
		}
		confirmator := testConfirmator(t, rpc, time.Second, time.Millisecond)

		results := confirmator.Confirm(context.Background(), []solana.Signature{sigA, sigB})
		require.Equal(t, map[solana.Signature]bool{sigA: true, sigB: false}, results)
		require.Equal(t, 1, statusCalls, "resolved signatures should not be polled again")
	})

	t.Run("keeps polling unresolved signatures", func(t *testing.T) {
		t.Parallel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				if statusCalls == 1 {
					// Not yet landed and not yet past the commitment level.
					return []*solanarpc.SignatureStatusesResult{
						nil,
						{ConfirmationStatus: solanarpc.ConfirmationStatusProcessed},
					}, nil
				}
				require.Equal(t, []solana.Signature{sigA, sigB}, sigs)
				return []*solanarpc.SignatureStatusesResult{
					{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed},
					{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed},
				}, nil
			},
		}
		confirmator := testConfirmator(t, rpc, time.Second, time.Millisecond)

		results := confirmator.Confirm(context.Background(), []solana.Signature{sigA, sigB})
		require.Equal(t, map[solana.Signature]bool{sigA: true, sigB: true}, results)
		require.Equal(t, 2, statusCalls)
	})

	t.Run("recovers from poll errors", func(t *testing.T) {
		t.Parallel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				if statusCalls == 1 {
					return nil, context.DeadlineExceeded
				}
				return []*solanarpc.SignatureStatusesResult{
					{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized},
				}, nil
			},
		}
		confirmator := testConfirmator(t, rpc, time.Second, time.Millisecond)

		results := confirmator.Confirm(context.Background(), []solana.Signature{sigA})
		require.Equal(t, map[solana.Signature]bool{sigA: true}, results)
		require.Equal(t, 2, statusCalls)
	})

	t.Run("times out unresolved signatures as false", func(t *testing.T) {
		t.Parallel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				return make([]*solanarpc.SignatureStatusesResult, len(sigs)), nil
			},
		}
		confirmator := testConfirmator(t, rpc, 25*time.Millisecond, time.Millisecond)

		results := confirmator.Confirm(context.Background(), []solana.Signature{sigA, sigB})
		require.Equal(t, map[solana.Signature]bool{sigA: false, sigB: false}, results)
		require.GreaterOrEqual(t, statusCalls, 1)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		statusCalls := 0
		rpc := &mockStatusRPC{
			signatureStatusesFunc: func(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
				statusCalls++
				cancel()
				return make([]*solanarpc.SignatureStatusesResult, len(sigs)), nil
			},
		}
		confirmator := testConfirmator(t, rpc, time.Hour, time.Hour)

		results := confirmator.Confirm(ctx, []solana.Signature{sigA})
		require.Equal(t, map[solana.Signature]bool{sigA: false}, results)
		require.Equal(t, 1, statusCalls)
	})
}
