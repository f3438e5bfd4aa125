// Package retrieval implements the document pipeline: ingestion (extract,
// dedup, chunk, embed, store) and query-time hybrid retrieval (dense and
// lexical search fused with RRF, optional reranking, citation packaging).
//
// Dense search prefers the Qdrant index when one is configured and healthy
// and falls back to pgvector in Postgres otherwise, so retrieval keeps
// working while the index catches up or is down.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/search"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

// rrfK is the Reciprocal Rank Fusion constant: score = Σ 1/(rrfK + rank).
const rrfK = 60

// Config tunes candidate pool sizes and the ingestion cap. Zero values
// take the documented defaults.
type Config struct {
	DenseCandidates   int   // dense k-NN pool (default 40)
	LexicalCandidates int   // lexical pool (default 40)
	RerankCandidates  int   // candidates sent to the reranker (default 20)
	TopK              int   // results returned (default 5)
	MaxDocumentBytes  int64 // ingestion size cap; 0 disables the check

	// IngestHooks observe documents that reached ready. Hooks must not
	// block; they run on the ingestion goroutine.
	IngestHooks []IngestHook
}

// IngestHook is notified after a document's chunks are written and the
// document flips to ready.
type IngestHook func(ctx context.Context, userID, documentID uuid.UUID, chunkCount int)

// Pipeline owns document ingestion and hybrid retrieval for user corpora.
type Pipeline struct {
	db       *storage.DB
	embedder llm.EmbeddingProvider
	index    search.Index
	reranker Reranker
	logger   *slog.Logger
	hooks    []IngestHook

	denseK   int
	lexicalK int
	rerankK  int
	topK     int
	maxBytes int64

	ingestDuration  metric.Float64Histogram
	queryDuration   metric.Float64Histogram
	rerankFallbacks metric.Int64Counter
}

// New creates a retrieval pipeline. index may be nil (pgvector-only dense
// search) and reranker may be nil (fusion scores returned as-is, no
// threshold applied).
func New(db *storage.DB, embedder llm.EmbeddingProvider, index search.Index, reranker Reranker, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.DenseCandidates <= 0 {
		cfg.DenseCandidates = 40
	}
	if cfg.LexicalCandidates <= 0 {
		cfg.LexicalCandidates = 40
	}
	if cfg.RerankCandidates <= 0 {
		cfg.RerankCandidates = 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}

	meter := telemetry.Meter("braid/retrieval")
	ingestDur, _ := meter.Float64Histogram("braid.retrieval.ingest.duration",
		metric.WithDescription("Time to chunk, embed, and store a document (ms)"),
		metric.WithUnit("ms"),
	)
	queryDur, _ := meter.Float64Histogram("braid.retrieval.query.duration",
		metric.WithDescription("Time to run hybrid retrieval for a query (ms)"),
		metric.WithUnit("ms"),
	)
	fallbacks, _ := meter.Int64Counter("braid.retrieval.rerank_fallbacks",
		metric.WithDescription("Queries that fell back to fusion scores after a rerank failure"),
	)

	return &Pipeline{
		db:              db,
		embedder:        embedder,
		index:           index,
		reranker:        reranker,
		logger:          logger,
		hooks:           cfg.IngestHooks,
		denseK:          cfg.DenseCandidates,
		lexicalK:        cfg.LexicalCandidates,
		rerankK:         cfg.RerankCandidates,
		topK:            cfg.TopK,
		maxBytes:        cfg.MaxDocumentBytes,
		ingestDuration:  ingestDur,
		queryDuration:   queryDur,
		rerankFallbacks: fallbacks,
	}
}

// IngestInput is a document submitted for ingestion.
type IngestInput struct {
	DisplayName string
	MimeTag     string
	Content     []byte
}

// IngestResult reports the document a submission resolved to. Duplicate is
// true when an identical ready document already existed; the existing
// document is returned and nothing new is stored.
type IngestResult struct {
	Document  model.Document
	Duplicate bool
}

// Register validates a submission, deduplicates it against ready documents
// by content hash, and creates the pending document row. The caller hands
// the content to Process, synchronously or through a worker.
func (p *Pipeline) Register(ctx context.Context, userID uuid.UUID, input IngestInput) (IngestResult, error) {
	if userID == uuid.Nil {
		return IngestResult{}, storage.ErrScopeViolation
	}
	if p.maxBytes > 0 && int64(len(input.Content)) > p.maxBytes {
		return IngestResult{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrDocumentTooLarge, len(input.Content), p.maxBytes)
	}
	if _, err := ExtractText(input.MimeTag, input.Content); err != nil {
		return IngestResult{}, err
	}

	hash := contentHash(input.Content)
	existing, err := p.db.FindReadyDocumentByHash(ctx, userID, hash)
	switch {
	case err == nil:
		return IngestResult{Document: existing, Duplicate: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return IngestResult{}, fmt.Errorf("retrieval: dedup lookup: %w", err)
	}

	doc, err := p.db.CreateDocument(ctx, model.Document{
		UserID:      userID,
		DisplayName: input.DisplayName,
		MimeTag:     NormalizeMime(input.MimeTag),
		SizeBytes:   int64(len(input.Content)),
		ContentHash: hash,
	})
	if errors.Is(err, storage.ErrConflict) {
		// Lost a race against an identical upload; surface the winner.
		if existing, lookupErr := p.db.FindReadyDocumentByHash(ctx, userID, hash); lookupErr == nil {
			return IngestResult{Document: existing, Duplicate: true}, nil
		}
		return IngestResult{}, fmt.Errorf("retrieval: create document: %w", err)
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("retrieval: create document: %w", err)
	}
	return IngestResult{Document: doc, Duplicate: false}, nil
}

// Process extracts, chunks, and embeds a registered document, then writes
// all chunks and flips the document to ready in one transaction. Embedding
// is all-or-fail: any failure marks the document failed with the cause and
// stores no chunks.
func (p *Pipeline) Process(ctx context.Context, userID, documentID uuid.UUID, mimeTag string, content []byte) error {
	start := time.Now()
	if err := p.db.MarkDocumentProcessing(ctx, userID, documentID); err != nil {
		return fmt.Errorf("retrieval: mark processing: %w", err)
	}

	text, err := ExtractText(mimeTag, content)
	if err != nil {
		return p.fail(ctx, userID, documentID, err)
	}
	pieces := splitChunks(text)
	if len(pieces) == 0 {
		return p.fail(ctx, userID, documentID, ErrEmptyDocument)
	}

	texts := make([]string, len(pieces))
	for i := range pieces {
		texts[i] = pieces[i].Text
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return p.fail(ctx, userID, documentID, fmt.Errorf("retrieval: embed chunks: %w", err))
	}
	if len(vecs) != len(pieces) {
		return p.fail(ctx, userID, documentID,
			fmt.Errorf("retrieval: embedder returned %d vectors for %d chunks", len(vecs), len(pieces)))
	}

	chunks := make([]model.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = model.Chunk{
			DocumentID:  documentID,
			UserID:      userID,
			Ordinal:     i,
			Text:        piece.Text,
			Embedding:   &vecs[i],
			TokenCount:  piece.TokenCount,
			StartOffset: piece.StartOffset,
			EndOffset:   piece.EndOffset,
		}
	}
	if err := p.db.InsertDocumentChunks(ctx, userID, documentID, chunks); err != nil {
		return p.fail(ctx, userID, documentID, fmt.Errorf("retrieval: write chunks: %w", err))
	}

	p.ingestDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	p.logger.Info("document ingested",
		"document_id", documentID,
		"user_id", userID,
		"chunks", len(chunks),
	)
	for _, hook := range p.hooks {
		hook(ctx, userID, documentID, len(chunks))
	}
	return nil
}

// Ingest registers and processes a document in one call. Callers that want
// async processing use Register and hand the content to a worker instead.
func (p *Pipeline) Ingest(ctx context.Context, userID uuid.UUID, input IngestInput) (IngestResult, error) {
	res, err := p.Register(ctx, userID, input)
	if err != nil || res.Duplicate {
		return res, err
	}
	if err := p.Process(ctx, userID, res.Document.ID, input.MimeTag, input.Content); err != nil {
		return res, err
	}
	doc, err := p.db.GetDocument(ctx, userID, res.Document.ID)
	if err != nil {
		return res, fmt.Errorf("retrieval: reload document: %w", err)
	}
	res.Document = doc
	return res, nil
}

// fail marks the document failed. The original cause is returned even when
// the status write itself fails; a fresh context is used so cancellation
// of the ingest does not also lose the failure record.
func (p *Pipeline) fail(ctx context.Context, userID, documentID uuid.UUID, cause error) error {
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.db.MarkDocumentFailed(dbCtx, userID, documentID, cause.Error()); err != nil {
		p.logger.Error("mark document failed",
			"document_id", documentID,
			"error", err,
		)
	}
	return cause
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// QueryOptions tunes a single retrieval call.
type QueryOptions struct {
	// Discipline selects the post-rerank score threshold. Invalid or empty
	// values fall back to moderate. Only consulted when a reranker is
	// configured.
	Discipline model.Discipline

	// TopK overrides the pipeline default when positive.
	TopK int
}

// ScoredChunk is one retrieval hit with enough metadata to cite. Ranks are
// 1-based positions in the dense and lexical candidate lists; 0 means the
// chunk did not appear in that list.
type ScoredChunk struct {
	ChunkID      uuid.UUID
	DocumentID   uuid.UUID
	DocumentName string
	Ordinal      int
	Text         string
	Page         *int
	Score        float32
	DenseRank    int
	LexicalRank  int
}

// Query runs hybrid retrieval for one user query: embed once, dense and
// lexical search in parallel, RRF fusion, optional rerank with a
// per-discipline threshold, top-K cut. An empty corpus or a query with no
// matches returns an empty slice, not an error.
func (p *Pipeline) Query(ctx context.Context, userID uuid.UUID, queryText string, opts QueryOptions) ([]ScoredChunk, error) {
	if userID == uuid.Nil {
		return nil, storage.ErrScopeViolation
	}
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		p.queryDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	vec, err := p.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	var dense, lexical []storage.ChunkHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dense, err = p.denseSearch(gctx, userID, vec)
		return err
	})
	g.Go(func() error {
		var err error
		lexical, err = p.db.LexicalSearch(gctx, userID, queryText, p.lexicalK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	cands := fuseRRF(dense, lexical)
	if len(cands) == 0 {
		return nil, nil
	}

	if p.reranker != nil {
		discipline := opts.Discipline
		if !discipline.Valid() {
			discipline = model.DisciplineModerate
		}
		cands = p.rerank(ctx, queryText, cands, discipline.RerankThreshold())
	}

	k := p.topK
	if opts.TopK > 0 {
		k = opts.TopK
	}
	if k > len(cands) {
		k = len(cands)
	}
	out := make([]ScoredChunk, 0, k)
	for _, c := range cands[:k] {
		out = append(out, ScoredChunk{
			ChunkID:      c.hit.Chunk.ID,
			DocumentID:   c.hit.Chunk.DocumentID,
			DocumentName: c.hit.DocumentName,
			Ordinal:      c.hit.Chunk.Ordinal,
			Text:         c.hit.Chunk.Text,
			Page:         c.hit.Chunk.Page,
			Score:        float32(c.score),
			DenseRank:    c.denseRank,
			LexicalRank:  c.lexicalRank,
		})
	}
	return out, nil
}

// denseSearch prefers the external index when configured and healthy,
// falling back to pgvector in Postgres. Postgres is the source of truth,
// so the fallback can only miss chunks the outbox has not deleted yet.
func (p *Pipeline) denseSearch(ctx context.Context, userID uuid.UUID, vec pgvector.Vector) ([]storage.ChunkHit, error) {
	if p.index != nil {
		if err := p.index.Healthy(ctx); err != nil {
			p.logger.Debug("dense index unhealthy, using pgvector", "error", err)
		} else if hits, err := p.denseViaIndex(ctx, userID, vec); err != nil {
			p.logger.Warn("dense index search failed, using pgvector", "error", err)
		} else {
			return hits, nil
		}
	}
	return p.db.DenseSearch(ctx, userID, vec, p.denseK)
}

// denseViaIndex searches the external index and hydrates the hits from
// Postgres, preserving the index ranking. Chunks deleted since the index
// was written are silently dropped.
func (p *Pipeline) denseViaIndex(ctx context.Context, userID uuid.UUID, vec pgvector.Vector) ([]storage.ChunkHit, error) {
	results, err := p.index.Search(ctx, userID, vec.Slice(), p.denseK)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	hits, err := p.db.GetChunks(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]storage.ChunkHit, len(hits))
	for _, h := range hits {
		byID[h.Chunk.ID] = h
	}

	ordered := make([]storage.ChunkHit, 0, len(results))
	for _, r := range results {
		h, ok := byID[r.ChunkID]
		if !ok {
			continue
		}
		h.Score = r.Score
		ordered = append(ordered, h)
	}
	return ordered, nil
}

// candidate is a fused hit prior to the top-K cut.
type candidate struct {
	hit         storage.ChunkHit
	score       float64
	denseRank   int
	lexicalRank int
}

// fuseRRF merges the dense and lexical lists with Reciprocal Rank Fusion:
// score = Σ 1/(rrfK + rank) over the lists a chunk appears in. Ranks are
// 1-based; 0 records absence from a list.
func fuseRRF(dense, lexical []storage.ChunkHit) []candidate {
	byID := make(map[uuid.UUID]*candidate, len(dense)+len(lexical))
	order := make([]uuid.UUID, 0, len(dense)+len(lexical))

	add := func(h storage.ChunkHit, rank int, denseList bool) {
		c, ok := byID[h.Chunk.ID]
		if !ok {
			c = &candidate{hit: h}
			byID[h.Chunk.ID] = c
			order = append(order, h.Chunk.ID)
		}
		c.score += 1.0 / float64(rrfK+rank)
		if denseList {
			c.denseRank = rank
		} else {
			c.lexicalRank = rank
		}
	}
	for i, h := range dense {
		add(h, i+1, true)
	}
	for i, h := range lexical {
		add(h, i+1, false)
	}

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(a, b int) bool { return lessCandidate(out[a], out[b]) })
	return out
}

// lessCandidate orders candidates best-first: higher fused score, then the
// better (lower-numbered) dense rank, then the better lexical rank, then
// the lower ordinal.
func lessCandidate(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if ar, br := rankOrMax(a.denseRank), rankOrMax(b.denseRank); ar != br {
		return ar < br
	}
	if ar, br := rankOrMax(a.lexicalRank), rankOrMax(b.lexicalRank); ar != br {
		return ar < br
	}
	return a.hit.Chunk.Ordinal < b.hit.Chunk.Ordinal
}

func rankOrMax(r int) int {
	if r == 0 {
		return math.MaxInt
	}
	return r
}

// rerank rescoring replaces fusion scores with reranker scores for the top
// candidates and applies the discipline threshold. On reranker failure the
// fusion ordering is returned untouched; the failure is logged and counted
// but never surfaced to the caller.
func (p *Pipeline) rerank(ctx context.Context, query string, cands []candidate, threshold float32) []candidate {
	n := p.rerankK
	if n > len(cands) {
		n = len(cands)
	}
	top := cands[:n]
	texts := make([]string, n)
	for i := range top {
		texts[i] = top[i].hit.Chunk.Text
	}

	scores, err := p.reranker.Rerank(ctx, query, texts)
	if err == nil && len(scores) != n {
		err = fmt.Errorf("retrieval: reranker returned %d scores for %d passages", len(scores), n)
	}
	if err != nil {
		p.rerankFallbacks.Add(ctx, 1)
		p.logger.Warn("rerank failed, keeping fusion scores", "error", err)
		return cands
	}

	reranked := make([]candidate, 0, n)
	for i := range top {
		if scores[i] < threshold {
			continue
		}
		c := top[i]
		c.score = float64(scores[i])
		reranked = append(reranked, c)
	}
	sort.SliceStable(reranked, func(a, b int) bool { return lessCandidate(reranked[a], reranked[b]) })
	return reranked
}

// Citations converts retrieval hits into citation metadata in presentation
// order; N is the 1-based marker the answer references inline as [n].
func Citations(hits []ScoredChunk) []model.Citation {
	if len(hits) == 0 {
		return nil
	}
	out := make([]model.Citation, len(hits))
	for i, h := range hits {
		out[i] = model.Citation{
			N:            i + 1,
			DocumentID:   h.DocumentID,
			DocumentName: h.DocumentName,
			Page:         h.Page,
			ChunkID:      h.ChunkID,
			Score:        h.Score,
		}
	}
	return out
}
