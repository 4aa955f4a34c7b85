package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/payout/pkg/metrics"
)

type RunnerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Engine   *Engine
	Interval time.Duration
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Runner drives settlement attempts on a fixed interval. The first attempt
// waits a full interval so a fresh deploy does not immediately distribute.
type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Runner) Start(ctx context.Context) {
	go func() {
		r.log.Info("settlement: starting run loop", "interval", r.cfg.Interval)

		ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.safeRun(ctx)
			}
		}
	}()
}

func (r *Runner) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("settlement: run panicked", "panic", rec)
			metrics.SettlementRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := r.cfg.Engine.Run(ctx, false); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("settlement: run failed", "error", err)
		sentry.CaptureException(err)
	}
}
