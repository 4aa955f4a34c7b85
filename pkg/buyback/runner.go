package buyback

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
	Pipeline *Pipeline
	Interval time.Duration
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Runner drives buyback cycles on a fixed interval. The first cycle waits
// a full interval so a fresh deploy does not immediately move revenue.
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
		r.log.Info("buyback: starting run loop", "interval", r.cfg.Interval)

		ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.safeProcess(ctx)
			}
		}
	}()
}

func (r *Runner) safeProcess(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("buyback: cycle panicked", "panic", rec)
			metrics.BuybackRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := r.cfg.Pipeline.Process(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("buyback: cycle failed", "error", err)
		sentry.CaptureException(err)
	}
}
