package server

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
)

// ingestTimeout bounds background document processing. Generous because
// embedding a large document means many provider round trips.
const ingestTimeout = 5 * time.Minute

// HandleUploadDocument handles POST /v1/documents. The body is a
// multipart form with a single "file" part. Registration (validation,
// dedup, pending row) is synchronous; extraction and embedding run on a
// bounded background worker, so the response carries status "pending"
// unless the upload deduplicated against an existing ready document.
func (h *Handlers) HandleUploadDocument(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	if err := r.ParseMultipartForm(h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "expected multipart form with a file part")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "missing file part")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "failed to read file part")
		return
	}

	mimeTag := header.Header.Get("Content-Type")
	if mimeTag == "" {
		mimeTag = mime.TypeByExtension(filepath.Ext(header.Filename))
	}

	userID := h.userID(r)
	result, err := h.pipeline.Register(r.Context(), userID, retrieval.IngestInput{
		DisplayName: header.Filename,
		MimeTag:     mimeTag,
		Content:     content,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if !result.Duplicate {
		h.processAsync(userID, result.Document.ID, mimeTag, content)
	}

	writeJSON(w, r, http.StatusAccepted, model.UploadDocumentResponse{
		DocumentID: result.Document.ID,
		Status:     result.Document.Status,
		Duplicate:  result.Duplicate,
	})
}

// processAsync hands a registered document to the ingestion workers. The
// semaphore bounds concurrency; the wait group lets shutdown drain
// in-flight work. Detached from the request context on purpose: the
// client disconnecting must not abort ingestion.
func (h *Handlers) processAsync(userID, documentID uuid.UUID, mimeTag string, content []byte) {
	h.ingestWG.Add(1)
	go func() {
		defer h.ingestWG.Done()
		h.ingestSem <- struct{}{}
		defer func() { <-h.ingestSem }()

		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := h.pipeline.Process(ctx, userID, documentID, mimeTag, content); err != nil {
			h.logger.Error("document processing failed",
				"document_id", documentID,
				"error", err,
			)
		}
	}()
}

// HandleListDocuments handles GET /v1/documents.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 500)
	docs, err := h.db.ListDocuments(r.Context(), h.userID(r), limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// HandleGetDocument handles GET /v1/documents/{document_id}.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "document_id")
	if !ok {
		return
	}
	doc, err := h.db.GetDocument(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// HandleDeleteDocument handles DELETE /v1/documents/{document_id}. The
// row delete also enqueues index deletions for the document's chunks, so
// the vector index converges without a separate call here.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "document_id")
	if !ok {
		return
	}
	chunkIDs, err := h.db.DeleteDocument(r.Context(), h.userID(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Info("document deleted",
		"document_id", id,
		"chunks", len(chunkIDs),
	)
	w.WriteHeader(http.StatusNoContent)
}
