// Package budget enforces per-user monthly spending caps on model usage.
//
// The Governor sits between the orchestrator and the model gateway: every
// turn is admitted against the user's cap before any model call, and every
// completed call is recorded exactly once, keyed by request ID. Costs are
// integer minor units (model.MinorUnitsPerDollar).
package budget

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

// ErrBudgetExceeded is surfaced when an admission is denied. Handlers map it
// to the budget_exceeded API error code.
var ErrBudgetExceeded = errors.New("budget: monthly cap exceeded")

// Verdict is the outcome of an admission check.
type Verdict string

const (
	// VerdictAllow lets the turn proceed.
	VerdictAllow Verdict = "allow"
	// VerdictWarn lets the turn proceed but the session should emit a
	// budget_warning frame: projected spend is at or past 80% of the cap.
	VerdictWarn Verdict = "warn"
	// VerdictDeny blocks the turn before any model call.
	VerdictDeny Verdict = "deny"
)

// warnNumerator/warnDenominator express the 80% warning threshold in
// integer math so minor-unit caps never round through floats.
const (
	warnNumerator   = 4
	warnDenominator = 5
)

// recordPurpose namespaces usage-recording idempotency keys.
const recordPurpose = "usage_record"

// Governor admits and records model spend against monthly caps.
type Governor struct {
	db           *storage.DB
	defaultModel string
	defaultCap   int64
	logger       *slog.Logger
	now          func() time.Time

	locks keyedMutex

	admissions   metric.Int64Counter
	recordedCost metric.Int64Counter
}

// New creates a Governor. defaultCap applies to users with no saved
// settings; defaultModel feeds the same effective-settings lookup.
func New(db *storage.DB, defaultModel string, defaultCap int64, logger *slog.Logger) *Governor {
	meter := telemetry.Meter("braid/budget")
	admissions, _ := meter.Int64Counter("braid.budget.admissions",
		metric.WithDescription("Admission checks by verdict"))
	recordedCost, _ := meter.Int64Counter("braid.budget.recorded_cost",
		metric.WithDescription("Recorded model spend in minor units"))

	return &Governor{
		db:           db,
		defaultModel: defaultModel,
		defaultCap:   defaultCap,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		locks:        keyedMutex{entries: make(map[string]*lockEntry)},
		admissions:   admissions,
		recordedCost: recordedCost,
	}
}

// Admit checks whether an estimated spend fits the user's monthly cap.
// VerdictDeny means spent+estimate would exceed the cap; VerdictWarn means
// the projection reaches 80% of it. The error return is for storage
// failures only — a denial is not an error here, callers surface
// ErrBudgetExceeded themselves when they want one.
func (g *Governor) Admit(ctx context.Context, userID uuid.UUID, estimate int64) (Verdict, error) {
	settings, err := g.db.EffectiveSettings(ctx, userID, g.defaultModel, g.defaultCap)
	if err != nil {
		return VerdictDeny, fmt.Errorf("budget: load settings: %w", err)
	}

	period := storage.CurrentPeriod(g.now())
	spent, err := g.db.MonthToDateSpend(ctx, userID, period)
	if err != nil {
		return VerdictDeny, fmt.Errorf("budget: month-to-date spend: %w", err)
	}

	budgetCap := settings.MonthlyBudget
	projected := spent + estimate

	verdict := VerdictAllow
	switch {
	case projected > budgetCap:
		verdict = VerdictDeny
	case projected*warnDenominator >= budgetCap*warnNumerator:
		verdict = VerdictWarn
	}

	g.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(verdict))))
	if verdict == VerdictDeny {
		g.logger.Info("budget: turn denied",
			"user_id", userID, "period", period,
			"spent", spent, "estimate", estimate, "cap", budgetCap)
	}
	return verdict, nil
}

// Snapshot reports month-to-date spend and the effective cap. Backs
// budget_warning frames and the usage endpoint.
func (g *Governor) Snapshot(ctx context.Context, userID uuid.UUID) (spent, budgetCap int64, err error) {
	settings, err := g.db.EffectiveSettings(ctx, userID, g.defaultModel, g.defaultCap)
	if err != nil {
		return 0, 0, fmt.Errorf("budget: load settings: %w", err)
	}
	period := storage.CurrentPeriod(g.now())
	spent, err = g.db.MonthToDateSpend(ctx, userID, period)
	if err != nil {
		return 0, 0, fmt.Errorf("budget: month-to-date spend: %w", err)
	}
	return spent, settings.MonthlyBudget, nil
}

// Record folds a completed model call into the user's usage row. Idempotent
// under requestID: replays (client retries, duplicate terminal chunks) fold
// nothing. Concurrent records for one (user, period) serialize through an
// in-process keyed mutex so the read-modify-write upsert never interleaves.
func (g *Governor) Record(
	ctx context.Context,
	userID uuid.UUID,
	requestID, modelTag string,
	inputTokens, outputTokens, cost int64,
) error {
	if requestID == "" {
		return fmt.Errorf("budget: record requires a request ID")
	}
	period := storage.CurrentPeriod(g.now())

	key := userID.String() + "|" + period
	entry := g.locks.lock(key)
	defer g.locks.unlock(key, entry)

	lookup, err := g.db.BeginIdempotency(ctx, userID, recordPurpose, requestID, recordPayloadHash(modelTag, inputTokens, outputTokens, cost))
	switch {
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		// Another process is folding this exact record right now.
		return nil
	case err != nil:
		return fmt.Errorf("budget: claim record: %w", err)
	case lookup.Completed:
		return nil
	}

	if err := g.db.FoldUsage(ctx, userID, period, modelTag, inputTokens, outputTokens, cost); err != nil {
		// Release the claim so a retry can fold the usage.
		if clearErr := g.db.ClearInProgressIdempotency(ctx, userID, recordPurpose, requestID); clearErr != nil {
			g.logger.Warn("budget: failed to release record claim", "error", clearErr, "request_id", requestID)
		}
		return fmt.Errorf("budget: fold usage: %w", err)
	}
	if err := g.db.CompleteIdempotency(ctx, userID, recordPurpose, requestID); err != nil {
		return fmt.Errorf("budget: complete record claim: %w", err)
	}

	g.recordedCost.Add(ctx, cost, metric.WithAttributes(attribute.String("model_tag", modelTag)))
	return nil
}

// recordPayloadHash fingerprints a record so a requestID reused with
// different token counts is rejected instead of silently deduplicated.
func recordPayloadHash(modelTag string, inputTokens, outputTokens, cost int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%d", modelTag, inputTokens, outputTokens, cost))
	return hex.EncodeToString(sum[:])
}

// keyedMutex provides one mutex per string key, dropping entries when the
// last holder releases so the map doesn't grow a row per user per month.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) *lockEntry {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return e
}

func (k *keyedMutex) unlock(key string, e *lockEntry) {
	e.mu.Unlock()

	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
