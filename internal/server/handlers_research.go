package server

import (
	"errors"
	"net/http"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/research"
)

// HandleCreateResearch handles POST /v1/research. The job is persisted and
// launched in the background; progress frames go over the stream and the
// job row is pollable here.
func (h *Handlers) HandleCreateResearch(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.CreateResearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	job, err := h.research.Start(r.Context(), h.userID(r), research.StartInput{
		Topic:         req.Topic,
		Depth:         req.Depth,
		CitationStyle: req.CitationStyle,
	})
	if err != nil {
		if errors.Is(err, research.ErrNoProviders) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "research is not configured on this server")
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, job)
}

// HandleListResearch handles GET /v1/research.
func (h *Handlers) HandleListResearch(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 200)
	jobs, err := h.research.List(r.Context(), h.userID(r), limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

// HandleGetResearch handles GET /v1/research/{job_id}.
func (h *Handlers) HandleGetResearch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := h.research.Get(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleCancelResearch handles POST /v1/research/{job_id}/cancel. The
// scoped Get runs first so one user cannot cancel another's job.
func (h *Handlers) HandleCancelResearch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := h.research.Get(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if !h.research.Cancel(job.ID) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "job is not running")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleResearchSources handles GET /v1/research/{job_id}/sources.
func (h *Handlers) HandleResearchSources(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "job_id")
	if !ok {
		return
	}
	sources, err := h.research.Sources(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sources)
}
