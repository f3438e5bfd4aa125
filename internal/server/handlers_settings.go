package server

import (
	"net/http"
	"regexp"
	"time"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
)

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// HandleGetSettings handles GET /v1/settings. Users who never saved
// settings get the configured defaults, not a 404.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.EffectiveSettings(r.Context(), h.userID(r), h.defaultModelTag, h.defaultBudget)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, settings)
}

// HandleUpdateSettings handles PATCH /v1/settings. Partial update: only
// fields present in the body change; the response is the full effective
// settings after the write.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.UpdateSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	userID := h.userID(r)
	settings, err := h.db.EffectiveSettings(r.Context(), userID, h.defaultModelTag, h.defaultBudget)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if req.DefaultModelTag != nil {
		settings.DefaultModelTag = *req.DefaultModelTag
	}
	if req.PerAgentOverrides != nil {
		settings.PerAgentOverrides = req.PerAgentOverrides
	}
	if req.MonthlyBudget != nil {
		if *req.MonthlyBudget <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "monthly_budget must be positive")
			return
		}
		settings.MonthlyBudget = *req.MonthlyBudget
	}
	if req.RAGOnly != nil {
		settings.RAGOnly = *req.RAGOnly
	}
	if req.Discipline != nil {
		if !req.Discipline.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid discipline")
			return
		}
		settings.Discipline = *req.Discipline
	}

	if err := h.db.SaveSettings(r.Context(), settings); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, settings)
}

// HandleGetUsage handles GET /v1/usage. The optional month query
// parameter selects a past period (YYYY-MM); default is the current UTC
// month.
func (h *Handlers) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("month")
	if period == "" {
		period = storage.CurrentPeriod(time.Now())
	} else if !periodPattern.MatchString(period) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "month must be YYYY-MM")
		return
	}

	userID := h.userID(r)
	usage, err := h.db.GetUsage(r.Context(), userID, period)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	settings, err := h.db.EffectiveSettings(r.Context(), userID, h.defaultModelTag, h.defaultBudget)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	resp := model.UsageResponse{Usage: usage, Cap: settings.MonthlyBudget}
	if resp.Cap > 0 {
		resp.PercentUsed = float64(usage.TotalCost) / float64(resp.Cap) * 100
	}
	writeJSON(w, r, http.StatusOK, resp)
}
