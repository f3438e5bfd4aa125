package server

import (
	"net/http"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/tabular"
)

// HandleCreateBinding handles POST /v1/tabular/bindings. Validation runs
// synchronously: the response carries either an active binding with its
// schema snapshot or a failed one with the reason. The DSN is sealed
// before storage and never appears in any response.
func (h *Handlers) HandleCreateBinding(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.CreateBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	binding, err := h.bindings.AddBinding(r.Context(), h.userID(r), tabular.AddBindingInput{
		DisplayName: req.DisplayName,
		EngineTag:   req.EngineTag,
		DSN:         req.DSN,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, binding)
}

// HandleListBindings handles GET /v1/tabular/bindings.
func (h *Handlers) HandleListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.bindings.ListBindings(r.Context(), h.userID(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, bindings)
}

// HandleGetBinding handles GET /v1/tabular/bindings/{binding_id}.
func (h *Handlers) HandleGetBinding(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "binding_id")
	if !ok {
		return
	}
	binding, err := h.bindings.GetBinding(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, binding)
}

// HandleTestBinding handles POST /v1/tabular/bindings/{binding_id}/test.
// Re-runs connectivity validation and refreshes the schema snapshot.
func (h *Handlers) HandleTestBinding(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "binding_id")
	if !ok {
		return
	}
	binding, err := h.bindings.TestBinding(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, binding)
}

// HandleDeleteBinding handles DELETE /v1/tabular/bindings/{binding_id}.
func (h *Handlers) HandleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "binding_id")
	if !ok {
		return
	}
	if err := h.bindings.DeleteBinding(r.Context(), h.userID(r), id); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBindingHistory handles GET /v1/tabular/bindings/{binding_id}/history.
func (h *Handlers) HandleBindingHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "binding_id")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50, 200)
	entries, err := h.bindings.History(r.Context(), h.userID(r), id, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleTabularQuery handles POST /v1/tabular/query: generate, validate,
// and execute SQL for a natural-language question.
func (h *Handlers) HandleTabularQuery(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.TabularQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "question is required")
		return
	}
	result, err := h.planner.Run(r.Context(), h.userID(r), tabular.PlanInput{
		BindingID: req.BindingID,
		Question:  req.Question,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleTabularExplain handles POST /v1/tabular/explain: generate SQL and
// report the validation verdict without executing it.
func (h *Handlers) HandleTabularExplain(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.TabularQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "question is required")
		return
	}
	verdict, err := h.planner.Explain(r.Context(), h.userID(r), tabular.PlanInput{
		BindingID: req.BindingID,
		Question:  req.Question,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, verdict)
}

// HandleTabularValidate handles POST /v1/tabular/validate: check
// caller-provided SQL against the binding's schema without executing it.
func (h *Handlers) HandleTabularValidate(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.TabularQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.SQL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "sql is required")
		return
	}
	verdict, err := h.planner.Validate(r.Context(), h.userID(r), req.BindingID, req.SQL)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, verdict)
}
