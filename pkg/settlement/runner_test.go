package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/payout/pkg/planner"
	payouttesting "github.com/malbeclabs/payout/pkg/testing"
)

func TestPayout_Settlement_NewRunner(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := NewRunner(RunnerConfig{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing engine", func(t *testing.T) {
		t.Parallel()
		_, err := NewRunner(RunnerConfig{Logger: payouttesting.NewLogger()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "engine is required")
	})

	t.Run("missing interval", func(t *testing.T) {
		t.Parallel()
		_, err := NewRunner(RunnerConfig{
			Logger: payouttesting.NewLogger(),
			Engine: testEngine(t, Config{}),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "interval must be greater than 0")
	})
}

func TestPayout_Settlement_Runner_SafeRun(t *testing.T) {
	t.Parallel()

	t.Run("recovers from a panic", func(t *testing.T) {
		t.Parallel()

		engine := testEngine(t, Config{
			Executor: &mockExecutor{executeFunc: func(ctx context.Context, shares []planner.RecipientShare) (map[string]*string, error) {
				panic("executor blew up")
			}},
		})
		r, err := NewRunner(RunnerConfig{
			Logger:   payouttesting.NewLogger(),
			Engine:   engine,
			Interval: time.Minute,
		})
		require.NoError(t, err)

		require.NotPanics(t, func() { r.safeRun(context.Background()) })
	})

	t.Run("a cancelled run is not an error", func(t *testing.T) {
		t.Parallel()

		engine := testEngine(t, Config{
			Ledger: &mockLedger{withLockFunc: func(ctx context.Context, owner string, fn func(pgx.Tx) error) (bool, error) {
				return false, ctx.Err()
			}},
		})
		r, err := NewRunner(RunnerConfig{
			Logger:   payouttesting.NewLogger(),
			Engine:   engine,
			Interval: time.Minute,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NotPanics(t, func() { r.safeRun(ctx) })
	})
}
