package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payout_build_info",
			Help: "Build information of the payout engine",
		},
		[]string{"version", "commit", "date"},
	)

	SettlementRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_settlement_runs_total",
			Help: "Total number of settlement runs by outcome",
		},
		[]string{"status"},
	)

	SettlementRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payout_settlement_run_duration_seconds",
			Help:    "Duration of settlement runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
	)

	LockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payout_lock_contention_total",
			Help: "Total number of settlement lock acquisition attempts lost to another worker",
		},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_transfers_total",
			Help: "Total number of reward transfers by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_confirmations_total",
			Help: "Total number of transaction confirmation resolutions",
		},
		[]string{"status"},
	)

	BlockhashRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payout_blockhash_retries_total",
			Help: "Total number of submissions retried with a fresh blockhash",
		},
	)

	BuybackRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_buyback_runs_total",
			Help: "Total number of buyback runs by outcome",
		},
		[]string{"status"},
	)

	QuoteRefetchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payout_quote_refetch_total",
			Help: "Total number of swap quotes discarded as stale and refetched",
		},
	)

	RevenueIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_revenue_ingested_total",
			Help: "Total number of revenue records ingested",
		},
		[]string{"source", "status"},
	)

	SnapshotRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_snapshot_refresh_total",
			Help: "Total number of balance snapshot collector passes",
		},
		[]string{"status"},
	)

	SnapshotRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payout_snapshot_refresh_duration_seconds",
			Help:    "Duration of balance snapshot collector passes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	ReportExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_report_exports_total",
			Help: "Total number of distribution report uploads",
		},
		[]string{"status"},
	)
)
