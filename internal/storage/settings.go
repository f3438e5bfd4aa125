package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/braidhq/braid/internal/model"
)

// GetSettings returns a user's saved settings, or ErrNotFound if the user
// has never saved any. Callers fall back to model.DefaultSettings.
func (db *DB) GetSettings(ctx context.Context, userID uuid.UUID) (model.UserSettings, error) {
	if userID == uuid.Nil {
		return model.UserSettings{}, ErrScopeViolation
	}
	var (
		s         model.UserSettings
		overrides []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, default_model_tag, per_agent_overrides, monthly_budget, rag_only, discipline
		 FROM user_settings WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.DefaultModelTag, &overrides, &s.MonthlyBudget, &s.RAGOnly, &s.Discipline)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.UserSettings{}, ErrNotFound
		}
		return model.UserSettings{}, fmt.Errorf("storage: get settings: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &s.PerAgentOverrides); err != nil {
			return model.UserSettings{}, fmt.Errorf("storage: decode agent overrides: %w", err)
		}
	}
	return s, nil
}

// SaveSettings upserts a user's settings row. The full row is replaced;
// partial updates are merged by the caller before saving.
func (db *DB) SaveSettings(ctx context.Context, s model.UserSettings) error {
	if s.UserID == uuid.Nil {
		return ErrScopeViolation
	}
	overrides := s.PerAgentOverrides
	if overrides == nil {
		overrides = map[string]string{}
	}
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("storage: encode agent overrides: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO user_settings (user_id, default_model_tag, per_agent_overrides, monthly_budget, rag_only, discipline)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   default_model_tag = EXCLUDED.default_model_tag,
		   per_agent_overrides = EXCLUDED.per_agent_overrides,
		   monthly_budget = EXCLUDED.monthly_budget,
		   rag_only = EXCLUDED.rag_only,
		   discipline = EXCLUDED.discipline`,
		s.UserID, s.DefaultModelTag, raw, s.MonthlyBudget, s.RAGOnly, s.Discipline,
	)
	if err != nil {
		return fmt.Errorf("storage: save settings: %w", err)
	}
	return nil
}

// EffectiveSettings loads settings with defaults applied for users who
// have never saved any. Budget and model defaults come from configuration.
func (db *DB) EffectiveSettings(ctx context.Context, userID uuid.UUID, defaultModel string, defaultBudget int64) (model.UserSettings, error) {
	s, err := db.GetSettings(ctx, userID)
	if err == ErrNotFound {
		return model.DefaultSettings(userID, defaultModel, defaultBudget), nil
	}
	if err != nil {
		return model.UserSettings{}, err
	}
	if s.DefaultModelTag == "" {
		s.DefaultModelTag = defaultModel
	}
	if s.MonthlyBudget <= 0 {
		s.MonthlyBudget = defaultBudget
	}
	if !s.Discipline.Valid() {
		s.Discipline = model.DisciplineModerate
	}
	return s, nil
}
