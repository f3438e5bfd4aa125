// Package memory extracts durable facts about a user from finished turns
// and recalls them by embedding similarity for prompt assembly.
//
// Extraction is fire-and-forget: the orchestrator hands over the turn text
// after streaming completes and the service does its LLM call, embedding,
// and inserts on a detached deadline so a slow extraction never holds up
// the next turn. Recall is synchronous and happens during prompt assembly.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

const (
	// recallK and recallThreshold bound what a single turn can pull in.
	// Three high-confidence memories keep the prompt block short; below
	// 0.82 cosine similarity recall gets noisy enough to mislead.
	recallK         = 3
	recallThreshold = 0.82
)

// Generator is the slice of the model gateway extraction needs.
type Generator interface {
	Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)
}

// Service owns memory extraction and recall for all users.
type Service struct {
	db       *storage.DB
	gen      Generator
	embedder llm.EmbeddingProvider
	logger   *slog.Logger

	wg sync.WaitGroup

	extractions metric.Int64Counter
	recalls     metric.Int64Counter
}

func New(db *storage.DB, gen Generator, embedder llm.EmbeddingProvider, logger *slog.Logger) *Service {
	meter := telemetry.Meter("braid/memory")
	extractions, _ := meter.Int64Counter("braid.memory.extractions",
		metric.WithDescription("Post-turn extraction runs by outcome"))
	recalls, _ := meter.Int64Counter("braid.memory.recalls",
		metric.WithDescription("Recall lookups by outcome"))

	return &Service{
		db:          db,
		gen:         gen,
		embedder:    embedder,
		logger:      logger,
		extractions: extractions,
		recalls:     recalls,
	}
}

// Recall embeds the query and returns the user's closest memories, best
// first, filtered to the recall threshold. An empty result is normal and
// means the prompt carries no memory block.
func (s *Service) Recall(ctx context.Context, userID uuid.UUID, query string) ([]model.ScoredMemory, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.recalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	recalled, err := s.db.RecallMemories(ctx, userID, vec, recallK, recallThreshold)
	if err != nil {
		s.recalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	s.recalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	return recalled, nil
}

// List returns the user's memories newest first for the settings surface.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]model.Memory, error) {
	out, err := s.db.ListMemories(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	return out, nil
}

// Delete removes one memory owned by the user.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.db.DeleteMemory(ctx, userID, id); err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	return nil
}

// Drain waits for in-flight extractions to finish, or gives up when ctx
// expires. Called during shutdown after the HTTP surface has drained.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kindOrder fixes how groups appear in the prompt block.
var kindOrder = []struct {
	kind   model.MemoryKind
	header string
}{
	{model.MemoryFact, "Facts"},
	{model.MemoryPreference, "Preferences"},
	{model.MemoryInsight, "Insights"},
	{model.MemoryEvent, "Events"},
}

// PromptBlock renders recalled memories grouped by kind for the system
// prompt. Returns the empty string when nothing was recalled, which the
// orchestrator reads as "no memory section".
func PromptBlock(recalled []model.ScoredMemory) string {
	if len(recalled) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("What you remember about this user:\n")
	for _, group := range kindOrder {
		var lines []string
		for _, m := range recalled {
			if m.Kind == group.kind {
				lines = append(lines, "- "+m.Content)
			}
		}
		if len(lines) == 0 {
			continue
		}
		sb.WriteString(group.header)
		sb.WriteString(":\n")
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
