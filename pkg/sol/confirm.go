package sol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/payout/pkg/metrics"
)

// StatusRPC wraps the client method used for confirmation polling.
type StatusRPC interface {
	SignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*solanarpc.SignatureStatusesResult, error)
}

type ConfirmatorConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	RPC          StatusRPC
	Timeout      time.Duration
	PollInterval time.Duration
}

func (cfg *ConfirmatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("status rpc is required")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be greater than 0")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Confirmator resolves submitted transactions by polling all pending
// signatures in a single status query per tick.
type Confirmator struct {
	log *slog.Logger
	cfg ConfirmatorConfig
}

func NewConfirmator(cfg ConfirmatorConfig) (*Confirmator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Confirmator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Confirm polls until every signature resolves or the timeout elapses. A
// signature maps to true once the network reports it landed with no execution
// error, and to false on an execution error. Signatures still unresolved at
// timeout also map to false but are not necessarily failed on chain — treat
// those as unknown and re-check later.
func (c *Confirmator) Confirm(ctx context.Context, sigs []solana.Signature) map[solana.Signature]bool {
	results := make(map[solana.Signature]bool, len(sigs))
	for _, sig := range sigs {
		results[sig] = false
	}
	if len(sigs) == 0 {
		return results
	}

	c.log.Debug("solana: confirming transactions", "count", len(sigs), "timeout", c.cfg.Timeout)

	pending := make([]solana.Signature, len(sigs))
	copy(pending, sigs)

	deadline := c.cfg.Clock.Now().Add(c.cfg.Timeout)
poll:
	for len(pending) > 0 && c.cfg.Clock.Now().Before(deadline) {
		statuses, err := c.cfg.RPC.SignatureStatuses(ctx, pending)
		if err != nil {
			c.log.Warn("solana: confirmation poll failed", "error", err)
		} else {
			var unresolved []solana.Signature
			for i, status := range statuses {
				if i >= len(pending) {
					break
				}
				sig := pending[i]
				if status == nil {
					unresolved = append(unresolved, sig)
					continue
				}
				switch status.ConfirmationStatus {
				case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
					if status.Err == nil {
						results[sig] = true
						metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()
					} else {
						c.log.Warn("solana: transaction failed on chain", "signature", sig.String(), "error", status.Err)
						metrics.ConfirmationsTotal.WithLabelValues("failed").Inc()
					}
				default:
					unresolved = append(unresolved, sig)
				}
			}
			pending = unresolved
		}

		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break poll
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
	}

	if len(pending) > 0 {
		c.log.Warn("solana: confirmation timed out with unresolved transactions", "unresolved", len(pending))
		for range pending {
			metrics.ConfirmationsTotal.WithLabelValues("timeout").Inc()
		}
	}
	return results
}
