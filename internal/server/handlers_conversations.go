package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/model"
)

// HandleCreateConversation handles POST /v1/conversations.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	conv, err := h.convs.Create(r.Context(), h.userID(r), req.Title)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, conv)
}

// HandleListConversations handles GET /v1/conversations.
//
// The caller's wall clock comes in as the client_time query parameter
// (RFC 3339) so the recency buckets are computed against the clock the
// user sees, not the server's. Absent, server UTC is used.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	var clientTime *time.Time
	if v := r.URL.Query().Get("client_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "client_time must be RFC 3339")
			return
		}
		clientTime = &t
	}
	limit := queryInt(r, "limit", 50, 200)

	groups, err := h.convs.List(r.Context(), h.userID(r), clientTime, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, groups)
}

// HandleGetConversation handles GET /v1/conversations/{conversation_id}.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}
	conv, err := h.convs.Get(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleRenameConversation handles PATCH /v1/conversations/{conversation_id}.
func (h *Handlers) HandleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}
	h.limitBody(w, r)
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if err := h.convs.Rename(r.Context(), h.userID(r), id, req.Title); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	conv, err := h.convs.Get(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleDeleteConversation handles DELETE /v1/conversations/{conversation_id}.
// Hard delete; messages cascade, orphaned source refs are swept.
func (h *Handlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}
	if err := h.convs.Delete(r.Context(), h.userID(r), id); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMessages handles GET /v1/conversations/{conversation_id}/messages.
// Keyset pagination: after and after_id name the last message of the
// previous page.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}

	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "after must be RFC 3339")
			return
		}
		after = t
	}
	afterID := uuid.Nil
	if v := r.URL.Query().Get("after_id"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid after_id")
			return
		}
		afterID = parsed
	}
	limit := queryInt(r, "limit", 50, 100)

	msgs, hasMore, err := h.convs.Messages(r.Context(), h.userID(r), id, after, afterID, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct {
		Messages []model.Message `json:"messages"`
		HasMore  bool            `json:"has_more"`
	}{Messages: msgs, HasMore: hasMore})
}
