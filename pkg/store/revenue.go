package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RevenueRecord is one ingested revenue event, keyed by the transaction
// that produced it.
type RevenueRecord struct {
	ID           int64
	ExternalTxID string
	Amount       uint64
	Source       string
	ReceivedAt   time.Time
	Processed    bool
}

// ConversionRecord is one executed revenue-to-token conversion.
type ConversionRecord struct {
	ID         int64
	Reference  string
	AmountIn   uint64
	AmountOut  uint64
	Price      float64
	ExecutedAt time.Time
}

// RevenueSummary aggregates the revenue ledger for status reporting.
type RevenueSummary struct {
	TotalAmount      uint64
	PendingAmount    uint64
	PendingCount     int64
	TotalConverted   uint64
	TotalConversions int64
}

const revenueColumns = `id, external_tx_id, amount, source, received_at, processed`

// RecordRevenue ingests one revenue event. Ingestion is idempotent by
// external transaction id: a replay returns the already-stored record with
// created = false and never overwrites it.
func (s *Store) RecordRevenue(ctx context.Context, externalTxID string, amount uint64, source string) (*RevenueRecord, bool, error) {
	rec, err := scanRevenue(s.pool.QueryRow(ctx, `
		INSERT INTO revenue_records (external_tx_id, amount, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_tx_id) DO NOTHING
		RETURNING `+revenueColumns,
		externalTxID, int64(amount), source))
	if err == nil {
		s.log.Info("store: revenue recorded", "external_tx_id", externalTxID, "amount", amount, "source", source)
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record revenue: %w", err)
	}

	// Conflict: the event was already ingested.
	rec, err = scanRevenue(s.pool.QueryRow(ctx, `
		SELECT `+revenueColumns+` FROM revenue_records WHERE external_tx_id = $1`,
		externalTxID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing revenue record: %w", err)
	}
	s.log.Debug("store: revenue already recorded", "external_tx_id", externalTxID)
	return rec, false, nil
}

// UnprocessedRevenue returns the revenue rows not yet consumed by a
// conversion, oldest first.
func (s *Store) UnprocessedRevenue(ctx context.Context) ([]RevenueRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+revenueColumns+`
		FROM revenue_records
		WHERE NOT processed
		ORDER BY received_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed revenue: %w", err)
	}
	defer rows.Close()

	var out []RevenueRecord
	for rows.Next() {
		rec, err := scanRevenue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan revenue record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CommitConversion inserts the conversion record and marks the consumed
// revenue rows processed in one transaction, so a crash can never mark
// revenue consumed without the matching conversion. Returns the conversion
// id.
func (s *Store) CommitConversion(ctx context.Context, conv ConversionRecord, revenueIDs []int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin conversion transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO conversion_records (reference, amount_in, amount_out, price)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, conv.Reference, int64(conv.AmountIn), int64(conv.AmountOut), conv.Price).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert conversion: %w", err)
	}

	if len(revenueIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE revenue_records SET processed = TRUE WHERE id = ANY($1)
		`, revenueIDs); err != nil {
			return 0, fmt.Errorf("failed to mark revenue processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit conversion: %w", err)
	}

	s.log.Info("store: conversion committed",
		"conversion_id", id,
		"amount_in", conv.AmountIn,
		"amount_out", conv.AmountOut,
		"revenue_rows", len(revenueIDs),
	)
	return id, nil
}

// RevenueSummary aggregates the revenue and conversion ledgers.
func (s *Store) RevenueSummary(ctx context.Context) (*RevenueSummary, error) {
	var total, pending, pendingCount, converted, conversions int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT sum(amount) FROM revenue_records), 0),
			COALESCE((SELECT sum(amount) FROM revenue_records WHERE NOT processed), 0),
			(SELECT count(*) FROM revenue_records WHERE NOT processed),
			COALESCE((SELECT sum(amount_out) FROM conversion_records), 0),
			(SELECT count(*) FROM conversion_records)
	`).Scan(&total, &pending, &pendingCount, &converted, &conversions)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue summary: %w", err)
	}
	return &RevenueSummary{
		TotalAmount:      uint64(total),
		PendingAmount:    uint64(pending),
		PendingCount:     pendingCount,
		TotalConverted:   uint64(converted),
		TotalConversions: conversions,
	}, nil
}

func scanRevenue(row rowScanner) (*RevenueRecord, error) {
	var rec RevenueRecord
	var amount int64
	if err := row.Scan(&rec.ID, &rec.ExternalTxID, &amount, &rec.Source, &rec.ReceivedAt, &rec.Processed); err != nil {
		return nil, err
	}
	rec.Amount = uint64(amount)
	return &rec, nil
}
