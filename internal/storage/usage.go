package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/braidhq/braid/internal/model"
)

// CurrentPeriod returns the UTC month key for usage records, e.g. "2026-08".
func CurrentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// GetUsage returns the usage record for one user-month. A user with no
// spend yet gets a zero record, not ErrNotFound.
func (db *DB) GetUsage(ctx context.Context, userID uuid.UUID, period string) (model.UsageRecord, error) {
	if userID == uuid.Nil {
		return model.UsageRecord{}, ErrScopeViolation
	}
	rec := model.UsageRecord{UserID: userID, Period: period, ByModel: map[string]model.ModelUsage{}}
	var byModel []byte
	err := db.pool.QueryRow(ctx,
		`SELECT total_cost, by_model, updated_at
		 FROM usage_records WHERE user_id = $1 AND period = $2`,
		userID, period,
	).Scan(&rec.TotalCost, &byModel, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return rec, nil
		}
		return model.UsageRecord{}, fmt.Errorf("storage: get usage: %w", err)
	}
	if len(byModel) > 0 {
		if err := json.Unmarshal(byModel, &rec.ByModel); err != nil {
			return model.UsageRecord{}, fmt.Errorf("storage: decode usage by_model: %w", err)
		}
	}
	return rec, nil
}

// FoldUsage adds one completed call's tokens and cost into the user-month
// record. The fold is a single upsert statement so concurrent turns never
// lose increments.
func (db *DB) FoldUsage(ctx context.Context, userID uuid.UUID, period, modelTag string, inputTokens, outputTokens, cost int64) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_records (user_id, period, total_cost, by_model, updated_at)
		 VALUES ($1, $2, $3,
		         jsonb_build_object($4::text, jsonb_build_object(
		             'input_tokens', $5::bigint, 'output_tokens', $6::bigint, 'cost', $3::bigint)),
		         now())
		 ON CONFLICT (user_id, period) DO UPDATE SET
		   total_cost = usage_records.total_cost + EXCLUDED.total_cost,
		   by_model = jsonb_set(
		       usage_records.by_model,
		       ARRAY[$4::text],
		       jsonb_build_object(
		           'input_tokens',  COALESCE((usage_records.by_model -> $4 ->> 'input_tokens')::bigint, 0) + $5,
		           'output_tokens', COALESCE((usage_records.by_model -> $4 ->> 'output_tokens')::bigint, 0) + $6,
		           'cost',          COALESCE((usage_records.by_model -> $4 ->> 'cost')::bigint, 0) + $3)),
		   updated_at = now()`,
		userID, period, cost, modelTag, inputTokens, outputTokens,
	)
	if err != nil {
		return fmt.Errorf("storage: fold usage: %w", err)
	}
	return nil
}

// MonthToDateSpend returns total spend in minor units for one user-month.
func (db *DB) MonthToDateSpend(ctx context.Context, userID uuid.UUID, period string) (int64, error) {
	if userID == uuid.Nil {
		return 0, ErrScopeViolation
	}
	var total int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT total_cost FROM usage_records WHERE user_id = $1 AND period = $2), 0)`,
		userID, period,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: month-to-date spend: %w", err)
	}
	return total, nil
}
