// Package revenue ingests protocol revenue events over an authenticated
// webhook and serves the read-only operator API.
package revenue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/planner"
	"github.com/malbeclabs/payout/pkg/store"
)

const (
	maxEventsPerRequest = 100
	maxBodyBytes        = 1 << 20
)

// Ledger is the slice of the postgres store the server reads and writes.
type Ledger interface {
	RecordRevenue(ctx context.Context, externalTxID string, amount uint64, source string) (*store.RevenueRecord, bool, error)
	FailedTransfers(ctx context.Context, distributionID *int64) ([]store.DistributionRecipient, error)
	Stats(ctx context.Context) (*store.SystemStats, error)
	RevenueSummary(ctx context.Context) (*store.RevenueSummary, error)
}

var _ Ledger = (*store.Store)(nil)

// PoolReader reports the live reward pool for the read API. Implemented by
// settlement.Engine.
type PoolReader interface {
	PoolStatus(ctx context.Context) (planner.PoolStatus, error)
}

type ServerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Ledger Ledger

	// Pool is optional; without it /api/pool reports unavailable.
	Pool PoolReader

	ListenAddr      string
	Secret          string
	ShutdownTimeout time.Duration
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Secret == "" {
		return errors.New("webhook secret is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     ServerConfig
	httpSrv *http.Server
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post("/webhooks/revenue", s.handleWebhook)
	router.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
		r.Get("/stats", s.handleStats)
		r.Get("/distributions/{id}/failed", s.handleFailedTransfers)
		r.Get("/pool", s.handlePool)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("revenue: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("revenue: stopping", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		s.log.Error("revenue: http server error causing shutdown", "error", err)
		return err
	}
}

type revenueEvent struct {
	ExternalTxID string `json:"external_tx_id"`
	Amount       uint64 `json:"amount"`
	Source       string `json:"source"`
}

type webhookRequest struct {
	Events []revenueEvent `json:"events"`
}

type webhookResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if !VerifySignature(r, body, s.cfg.Secret, s.cfg.Clock.Now()) {
		s.log.Warn("revenue: webhook rejected, bad signature", "remote", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, http.StatusBadRequest, "no events")
		return
	}
	if len(req.Events) > maxEventsPerRequest {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("too many events, maximum is %d", maxEventsPerRequest))
		return
	}

	var resp webhookResponse
	for _, ev := range req.Events {
		source := ev.Source
		if source == "" {
			source = "unknown"
		}
		if err := validateEvent(ev); err != nil {
			resp.Rejected++
			metrics.RevenueIngestedTotal.WithLabelValues(source, "invalid").Inc()
			s.log.Warn("revenue: event rejected", "external_tx_id", ev.ExternalTxID, "error", err)
			continue
		}

		_, created, err := s.cfg.Ledger.RecordRevenue(r.Context(), ev.ExternalTxID, ev.Amount, source)
		if err != nil {
			metrics.RevenueIngestedTotal.WithLabelValues(source, "error").Inc()
			s.log.Error("revenue: failed to record event", "external_tx_id", ev.ExternalTxID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to record revenue")
			return
		}
		if created {
			resp.Accepted++
			metrics.RevenueIngestedTotal.WithLabelValues(source, "ok").Inc()
		} else {
			resp.Duplicates++
			metrics.RevenueIngestedTotal.WithLabelValues(source, "duplicate").Inc()
		}
	}

	s.log.Debug("revenue: webhook processed",
		"accepted", resp.Accepted, "duplicates", resp.Duplicates, "rejected", resp.Rejected)
	s.writeJSON(w, http.StatusOK, resp)
}

// validateEvent rejects rows whose transaction id is not a plausible chain
// signature, before they reach the ledger.
func validateEvent(ev revenueEvent) error {
	raw, err := base58.Decode(ev.ExternalTxID)
	if err != nil {
		return fmt.Errorf("external_tx_id is not base58: %w", err)
	}
	if len(raw) != 64 {
		return fmt.Errorf("external_tx_id must be a 64-byte signature, got %d bytes", len(raw))
	}
	if ev.Amount == 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type statsResponse struct {
	TotalDistributed   uint64     `json:"total_distributed"`
	TotalDistributions uint64     `json:"total_distributions"`
	LastDistributionAt *time.Time `json:"last_distribution_at,omitempty"`
	RevenueTotal       uint64     `json:"revenue_total"`
	RevenuePending     uint64     `json:"revenue_pending"`
	RevenuePendingRows int64      `json:"revenue_pending_rows"`
	TotalConverted     uint64     `json:"total_converted"`
	TotalConversions   int64      `json:"total_conversions"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Ledger.Stats(r.Context())
	if err != nil {
		s.log.Error("revenue: failed to load stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	summary, err := s.cfg.Ledger.RevenueSummary(r.Context())
	if err != nil {
		s.log.Error("revenue: failed to load revenue summary", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalDistributed:   stats.TotalDistributed,
		TotalDistributions: stats.TotalDistributions,
		LastDistributionAt: stats.LastDistributionAt,
		RevenueTotal:       summary.TotalAmount,
		RevenuePending:     summary.PendingAmount,
		RevenuePendingRows: summary.PendingCount,
		TotalConverted:     summary.TotalConverted,
		TotalConversions:   summary.TotalConversions,
	})
}

type failedTransfer struct {
	Account string  `json:"account"`
	Weight  float64 `json:"weight"`
	Amount  uint64  `json:"amount"`
}

func (s *Server) handleFailedTransfers(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid distribution id")
		return
	}

	rows, err := s.cfg.Ledger.FailedTransfers(r.Context(), &id)
	if err != nil {
		s.log.Error("revenue: failed to load failed transfers", "distribution", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load failed transfers")
		return
	}

	resp := make([]failedTransfer, 0, len(rows))
	for _, rec := range rows {
		resp = append(resp, failedTransfer{
			Account: rec.Account,
			Weight:  rec.Weight,
			Amount:  rec.Amount,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type poolResponse struct {
	Balance         uint64     `json:"balance"`
	ValueUSD        float64    `json:"value_usd"`
	LastDistributed *time.Time `json:"last_distributed,omitempty"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pool status unavailable")
		return
	}

	status, err := s.cfg.Pool.PoolStatus(r.Context())
	if err != nil {
		s.log.Error("revenue: failed to read pool status", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read pool status")
		return
	}

	resp := poolResponse{
		Balance:  status.Balance,
		ValueUSD: status.ValueUSD,
	}
	if !status.LastExecuted.IsZero() {
		resp.LastDistributed = &status.LastExecuted
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("revenue: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
