package revenue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/store"
	payouttesting "github.com/malbeclabs/payout/pkg/testing"
)

var (
	_ Ledger     = (*mockLedger)(nil)
	_ PoolReader = (*mockPool)(nil)
)

type mockLedger struct {
	recordFunc  func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error)
	failedFunc  func(ctx context.Context, distributionID *int64) ([]store.DistributionRecipient, error)
	statsFunc   func(ctx context.Context) (*store.SystemStats, error)
	summaryFunc func(ctx context.Context) (*store.RevenueSummary, error)
}

func (m *mockLedger) RecordRevenue(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
	if m.recordFunc != nil {
		return m.recordFunc(ctx, externalTxID, amount, source)
	}
	return &store.RevenueRecord{ID: 1, ExternalTxID: externalTxID, Amount: amount, Source: source}, true, nil
}

func (m *mockLedger) FailedTransfers(ctx context.Context, distributionID *int64) ([]store.DistributionRecipient, error) {
	if m.failedFunc != nil {
		return m.failedFunc(ctx, distributionID)
	}
	return nil, nil
}

func (m *mockLedger) Stats(ctx context.Context) (*store.SystemStats, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx)
	}
	return &store.SystemStats{}, nil
}

func (m *mockLedger) RevenueSummary(ctx context.Context) (*store.RevenueSummary, error) {
	if m.summaryFunc != nil {
		return m.summaryFunc(ctx)
	}
	return &store.RevenueSummary{}, nil
}

type mockPool struct {
	statusFunc func(ctx context.Context) (planner.PoolStatus, error)
}

func (m *mockPool) PoolStatus(ctx context.Context) (planner.PoolStatus, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx)
	}
	return planner.PoolStatus{}, nil
}

const testSecret = "whsec-test"

var (
	testTxA = solana.Signature{1}.String()
	testTxB = solana.Signature{2}.String()
)

func testRevenueServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = payouttesting.NewLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = &mockLedger{}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func eventsBody(t *testing.T, events ...revenueEvent) []byte {
	t.Helper()
	body, err := json.Marshal(webhookRequest{Events: events})
	require.NoError(t, err)
	return body
}

func postWebhook(t *testing.T, baseURL, secret string, ts int64, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/webhooks/revenue", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, Sign(secret, ts, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPayout_Revenue_NewServer(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := NewServer(ServerConfig{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing ledger", func(t *testing.T) {
		t.Parallel()
		_, err := NewServer(ServerConfig{Logger: payouttesting.NewLogger()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "ledger is required")
	})

	t.Run("missing listen addr", func(t *testing.T) {
		t.Parallel()
		_, err := NewServer(ServerConfig{
			Logger: payouttesting.NewLogger(),
			Ledger: &mockLedger{},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "listen addr is required")
	})

	t.Run("missing secret", func(t *testing.T) {
		t.Parallel()
		_, err := NewServer(ServerConfig{
			Logger:     payouttesting.NewLogger(),
			Ledger:     &mockLedger{},
			ListenAddr: "127.0.0.1:0",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "webhook secret is required")
	})

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		s := testRevenueServer(t, ServerConfig{})
		require.Equal(t, 10*time.Second, s.cfg.ShutdownTimeout)
		require.NotNil(t, s.Handler())
	})
}

func TestPayout_Revenue_VerifySignature(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"events":[]}`)

	signedRequest := func(ts int64, sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/revenue", nil)
		r.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
		r.Header.Set(SignatureHeader, sig)
		return r
	}

	t.Run("accepts a valid signature", func(t *testing.T) {
		t.Parallel()
		r := signedRequest(now.Unix(), Sign(testSecret, now.Unix(), body))
		require.True(t, VerifySignature(r, body, testSecret, now))
	})

	t.Run("accepts a timestamp inside the window", func(t *testing.T) {
		t.Parallel()
		ts := now.Add(-299 * time.Second).Unix()
		r := signedRequest(ts, Sign(testSecret, ts, body))
		require.True(t, VerifySignature(r, body, testSecret, now))
	})

	t.Run("rejects a tampered body", func(t *testing.T) {
		t.Parallel()
		r := signedRequest(now.Unix(), Sign(testSecret, now.Unix(), body))
		require.False(t, VerifySignature(r, []byte(`{"events":[{}]}`), testSecret, now))
	})

	t.Run("rejects the wrong secret", func(t *testing.T) {
		t.Parallel()
		r := signedRequest(now.Unix(), Sign("other-secret", now.Unix(), body))
		require.False(t, VerifySignature(r, body, testSecret, now))
	})

	t.Run("rejects an old timestamp", func(t *testing.T) {
		t.Parallel()
		ts := now.Add(-301 * time.Second).Unix()
		r := signedRequest(ts, Sign(testSecret, ts, body))
		require.False(t, VerifySignature(r, body, testSecret, now))
	})

	t.Run("rejects a future timestamp", func(t *testing.T) {
		t.Parallel()
		ts := now.Add(301 * time.Second).Unix()
		r := signedRequest(ts, Sign(testSecret, ts, body))
		require.False(t, VerifySignature(r, body, testSecret, now))
	})

	t.Run("rejects missing headers", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodPost, "/webhooks/revenue", nil)
		require.False(t, VerifySignature(r, body, testSecret, now))
	})

	t.Run("rejects a non-numeric timestamp", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodPost, "/webhooks/revenue", nil)
		r.Header.Set(TimestampHeader, "yesterday")
		r.Header.Set(SignatureHeader, "v0=abc")
		require.False(t, VerifySignature(r, body, testSecret, now))
	})
}

func TestPayout_Revenue_Webhook(t *testing.T) {
	t.Parallel()

	t.Run("records signed events", func(t *testing.T) {
		t.Parallel()

		type recorded struct {
			txID   string
			amount uint64
			source string
		}
		var got []recorded
		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{
			Clock: clock,
			Ledger: &mockLedger{recordFunc: func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
				got = append(got, recorded{externalTxID, amount, source})
				return &store.RevenueRecord{ID: int64(len(got))}, true, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t,
			revenueEvent{ExternalTxID: testTxA, Amount: 5_000, Source: "creator_fee"},
			revenueEvent{ExternalTxID: testTxB, Amount: 800, Source: "trading_fee"},
		)
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), body)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out webhookResponse
		decodeJSON(t, resp, &out)
		require.Equal(t, webhookResponse{Accepted: 2}, out)
		require.Equal(t, []recorded{
			{testTxA, 5_000, "creator_fee"},
			{testTxB, 800, "trading_fee"},
		}, got)
	})

	t.Run("rejects a bad signature", func(t *testing.T) {
		t.Parallel()

		recordedAny := false
		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{
			Clock: clock,
			Ledger: &mockLedger{recordFunc: func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
				recordedAny = true
				return nil, false, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t, revenueEvent{ExternalTxID: testTxA, Amount: 5_000, Source: "creator_fee"})
		resp := postWebhook(t, ts.URL, "wrong-secret", clock.Now().Unix(), body)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.False(t, recordedAny, "unauthenticated events must never reach the ledger")
	})

	t.Run("rejects a stale timestamp", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{Clock: clock})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t, revenueEvent{ExternalTxID: testTxA, Amount: 5_000, Source: "creator_fee"})
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Add(-6*time.Minute).Unix(), body)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("reports duplicates", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{
			Clock: clock,
			Ledger: &mockLedger{recordFunc: func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
				return &store.RevenueRecord{ID: 1}, false, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t, revenueEvent{ExternalTxID: testTxA, Amount: 5_000, Source: "creator_fee"})
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), body)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out webhookResponse
		decodeJSON(t, resp, &out)
		require.Equal(t, webhookResponse{Duplicates: 1}, out)
	})

	t.Run("keeps good rows when one is invalid", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		var got []string
		srv := testRevenueServer(t, ServerConfig{
			Clock: clock,
			Ledger: &mockLedger{recordFunc: func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
				got = append(got, externalTxID)
				return &store.RevenueRecord{ID: 1}, true, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t,
			revenueEvent{ExternalTxID: "not-a-signature", Amount: 100, Source: "creator_fee"},
			revenueEvent{ExternalTxID: testTxA, Amount: 0, Source: "creator_fee"},
			revenueEvent{ExternalTxID: testTxB, Amount: 900, Source: "creator_fee"},
		)
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), body)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out webhookResponse
		decodeJSON(t, resp, &out)
		require.Equal(t, webhookResponse{Accepted: 1, Rejected: 2}, out)
		require.Equal(t, []string{testTxB}, got)
	})

	t.Run("defaults the source", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		var gotSource string
		srv := testRevenueServer(t, ServerConfig{
			Clock: clock,
			Ledger: &mockLedger{recordFunc: func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
				gotSource = source
				return &store.RevenueRecord{ID: 1}, true, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t, revenueEvent{ExternalTxID: testTxA, Amount: 100})
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), body)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "unknown", gotSource)
	})

	t.Run("caps the batch size", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{Clock: clock})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		events := make([]revenueEvent, maxEventsPerRequest+1)
		for i := range events {
			events[i] = revenueEvent{ExternalTxID: testTxA, Amount: 1, Source: "creator_fee"}
		}
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), eventsBody(t, events...))
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{Clock: clock})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), []byte(`{"events":`))
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("a ledger failure is a server error", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		srv := testRevenueServer(t, ServerConfig{
			Clock: clock,
			Ledger: &mockLedger{recordFunc: func(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error) {
				return nil, false, errors.New("database unavailable")
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		body := eventsBody(t, revenueEvent{ExternalTxID: testTxA, Amount: 100, Source: "creator_fee"})
		resp := postWebhook(t, ts.URL, testSecret, clock.Now().Unix(), body)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestPayout_Revenue_API(t *testing.T) {
	t.Parallel()

	t.Run("serves stats", func(t *testing.T) {
		t.Parallel()

		last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		srv := testRevenueServer(t, ServerConfig{
			Ledger: &mockLedger{
				statsFunc: func(ctx context.Context) (*store.SystemStats, error) {
					return &store.SystemStats{
						TotalDistributed:   900_000,
						TotalDistributions: 12,
						LastDistributionAt: &last,
					}, nil
				},
				summaryFunc: func(ctx context.Context) (*store.RevenueSummary, error) {
					return &store.RevenueSummary{
						TotalAmount:      500_000,
						PendingAmount:    40_000,
						PendingCount:     3,
						TotalConverted:   120_000,
						TotalConversions: 4,
					}, nil
				},
			},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/stats")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out statsResponse
		decodeJSON(t, resp, &out)
		require.Equal(t, uint64(900_000), out.TotalDistributed)
		require.Equal(t, uint64(12), out.TotalDistributions)
		require.NotNil(t, out.LastDistributionAt)
		require.True(t, last.Equal(*out.LastDistributionAt))
		require.Equal(t, uint64(40_000), out.RevenuePending)
		require.Equal(t, int64(4), out.TotalConversions)
	})

	t.Run("serves failed transfers", func(t *testing.T) {
		t.Parallel()

		var gotScope *int64
		srv := testRevenueServer(t, ServerConfig{
			Ledger: &mockLedger{failedFunc: func(ctx context.Context, distributionID *int64) ([]store.DistributionRecipient, error) {
				gotScope = distributionID
				return []store.DistributionRecipient{
					{Account: testTxA, Weight: 0.25, Amount: 700},
				}, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/distributions/7/failed")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out []failedTransfer
		decodeJSON(t, resp, &out)
		require.NotNil(t, gotScope)
		require.Equal(t, int64(7), *gotScope)
		require.Equal(t, []failedTransfer{{Account: testTxA, Weight: 0.25, Amount: 700}}, out)
	})

	t.Run("rejects a bad distribution id", func(t *testing.T) {
		t.Parallel()

		srv := testRevenueServer(t, ServerConfig{})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/distributions/abc/failed")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("serves the pool", func(t *testing.T) {
		t.Parallel()

		srv := testRevenueServer(t, ServerConfig{
			Pool: &mockPool{statusFunc: func(ctx context.Context) (planner.PoolStatus, error) {
				return planner.PoolStatus{Balance: 2_000_000, ValueUSD: 84.5}, nil
			}},
		})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/pool")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out poolResponse
		decodeJSON(t, resp, &out)
		require.Equal(t, uint64(2_000_000), out.Balance)
		require.InDelta(t, 84.5, out.ValueUSD, 1e-9)
		require.Nil(t, out.LastDistributed)
	})

	t.Run("reports the pool unavailable without a reader", func(t *testing.T) {
		t.Parallel()

		srv := testRevenueServer(t, ServerConfig{})
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/pool")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
