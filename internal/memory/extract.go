package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
)

const (
	// extractTimeout bounds the detached run: one chat call, one embed
	// batch, and a handful of inserts.
	extractTimeout = 20 * time.Second

	extractMaxTokens = 400
	maxFactsPerTurn  = 5
	maxFactRunes     = 500
	maxPromptRunes   = 4000
)

const extractSystemPrompt = `You extract durable memories about the user from one conversation turn.

Output one memory per line as "kind: content" where kind is one of:
- fact: stable information about the user or their situation
- preference: how the user likes things done
- insight: a non-obvious conclusion about the user worth keeping
- event: something that happened, with its time anchor when stated

Only keep what stays useful across future conversations. Skip pleasantries,
one-off task details, and anything the assistant said that the user did not
confirm. Output NONE when nothing qualifies.`

// ExtractInput is the finished turn handed over for extraction.
type ExtractInput struct {
	UserID         uuid.UUID
	ConversationID uuid.UUID
	UserText       string
	AssistantText  string
	ModelTag       string // empty selects the gateway default
}

// Extract launches fact extraction for a completed turn and returns
// immediately. The run detaches from the caller's context so it survives
// the request ending, but lives under its own deadline. Failures are
// logged and counted, never surfaced to the turn that triggered them.
func (s *Service) Extract(ctx context.Context, in ExtractInput) {
	if strings.TrimSpace(in.UserText) == "" {
		return
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), extractTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		n, err := s.extract(runCtx, in)
		switch {
		case err != nil:
			s.extractions.Add(runCtx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			s.logger.Warn("memory: extraction failed",
				"user_id", in.UserID, "conversation_id", in.ConversationID, "error", err)
		case n == 0:
			s.extractions.Add(runCtx, 1, metric.WithAttributes(attribute.String("outcome", "empty")))
		default:
			s.extractions.Add(runCtx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
			s.logger.Info("memory: extracted",
				"user_id", in.UserID, "conversation_id", in.ConversationID, "count", n)
		}
	}()
}

func (s *Service) extract(ctx context.Context, in ExtractInput) (int, error) {
	ch, err := s.gen.Chat(ctx, llm.ChatRequest{
		ModelTag:  in.ModelTag,
		System:    extractSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: extractUserPrompt(in)}},
		MaxTokens: extractMaxTokens,
	})
	if err != nil {
		return 0, fmt.Errorf("memory: extract chat: %w", err)
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		return 0, fmt.Errorf("memory: extract collect: %w", err)
	}

	facts := parseFacts(text)
	if len(facts) == 0 {
		return 0, nil
	}

	contents := make([]string, len(facts))
	for i := range facts {
		contents[i] = facts[i].Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return 0, fmt.Errorf("memory: embed facts: %w", err)
	}
	if len(vecs) != len(facts) {
		return 0, fmt.Errorf("memory: embedder returned %d vectors for %d facts", len(vecs), len(facts))
	}

	var sourceID *uuid.UUID
	if in.ConversationID != uuid.Nil {
		sourceID = &in.ConversationID
	}
	now := time.Now().UTC()
	inserted := 0
	for i, f := range facts {
		vec := vecs[i]
		m := model.Memory{
			ID:                   uuid.New(),
			UserID:               in.UserID,
			Kind:                 f.Kind,
			Content:              f.Content,
			Embedding:            &vec,
			SourceConversationID: sourceID,
			CreatedAt:            now,
		}
		if err := s.db.InsertMemory(ctx, m); err != nil {
			return inserted, fmt.Errorf("memory: insert fact: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

func extractUserPrompt(in ExtractInput) string {
	var sb strings.Builder
	sb.WriteString("User said:\n")
	sb.WriteString(clip(in.UserText, maxPromptRunes))
	sb.WriteString("\n\nAssistant replied:\n")
	sb.WriteString(clip(in.AssistantText, maxPromptRunes))
	return sb.String()
}

type fact struct {
	Kind    model.MemoryKind
	Content string
}

var factPrefix = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// parseFacts reads "kind: content" lines out of the model's response.
// Bullets and numbering are tolerated, unknown kinds and junk lines are
// dropped, and the result is capped so one chatty response cannot flood
// the store.
func parseFacts(text string) []fact {
	var out []fact
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(factPrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		if line == "" || strings.EqualFold(strings.TrimRight(line, "."), "none") {
			continue
		}
		kindRaw, content, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		kind := model.MemoryKind(strings.ToLower(strings.TrimSpace(kindRaw)))
		content = strings.TrimSpace(content)
		if !model.ValidMemoryKind(kind) || len(content) < 3 {
			continue
		}
		out = append(out, fact{Kind: kind, Content: clip(content, maxFactRunes)})
		if len(out) == maxFactsPerTurn {
			break
		}
	}
	return out
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
