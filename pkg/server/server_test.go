package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	payouttesting "github.com/malbeclabs/payout/pkg/testing"
)

func testOpsServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = payouttesting.NewLogger()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Ready == nil {
		cfg.Ready = func(ctx context.Context) error { return nil }
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestPayout_Server_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing listen addr", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: payouttesting.NewLogger()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "listen addr is required")
	})

	t.Run("missing ready check", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger:     payouttesting.NewLogger(),
			ListenAddr: "127.0.0.1:0",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "ready check is required")
	})

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		s := testOpsServer(t, Config{})
		require.Equal(t, 10*time.Second, s.cfg.ReadHeaderTimeout)
		require.Equal(t, 10*time.Second, s.cfg.ShutdownTimeout)
	})
}

func TestPayout_Server_Healthz(t *testing.T) {
	t.Parallel()

	s := testOpsServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(body))
}

func TestPayout_Server_Readyz(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	s := testOpsServer(t, Config{
		Ready: func(ctx context.Context) error {
			if !ready.Load() {
				return errors.New("snapshot collector not ready")
			}
			return nil
		},
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, "snapshot collector not ready\n", string(body))

	ready.Store(true)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPayout_Server_Version(t *testing.T) {
	t.Parallel()

	s := testOpsServer(t, Config{
		VersionInfo: VersionInfo{Version: "1.4.0", Commit: "abc1234", Date: "2025-06-01"},
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var info VersionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Equal(t, VersionInfo{Version: "1.4.0", Commit: "abc1234", Date: "2025-06-01"}, info)
}
