// Package transfer executes the token transfers of a distribution plan and
// reports which recipients were confirmed paid.
package transfer

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/sol"
)

// Submitter is the slice of the transaction builder used by executors.
type Submitter interface {
	SubmitTokenTransfer(ctx context.Context, signer solana.PrivateKey, recipient solana.PublicKey, mint solana.PublicKey, amount uint64) (solana.Signature, error)
	SubmitTokenTransferBatch(ctx context.Context, signer solana.PrivateKey, mint solana.PublicKey, reqs []sol.TransferRequest) (solana.Signature, error)
}

// Confirmer resolves submitted signatures to confirmed / not confirmed.
type Confirmer interface {
	Confirm(ctx context.Context, sigs []solana.Signature) map[solana.Signature]bool
}

// Executor sends a plan's transfers. The result has one entry per input
// account: the confirmed transfer reference, or nil when the transfer was
// not confirmed sent. Per-recipient failures never abort the run; the
// returned error is non-nil only when the run as a whole was cut short
// (context cancellation), and the partial results are still valid — the
// caller must record them, because some funds may already have moved.
type Executor interface {
	Execute(ctx context.Context, shares []planner.RecipientShare) (map[string]*string, error)
}
