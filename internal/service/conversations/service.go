// Package conversations provides the shared conversation logic behind
// the HTTP API and the MCP tools.
//
// Handlers stay thin: validation, scoping, and the bucketed listing live
// here so every surface behaves the same way.
package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Service encapsulates conversation operations shared by HTTP and MCP.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	ops metric.Int64Counter
}

// New creates a conversation Service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	meter := telemetry.Meter("braid/conversations")
	ops, _ := meter.Int64Counter("braid.conversations.ops",
		metric.WithDescription("Conversation operations by verb"))
	return &Service{db: db, logger: logger, ops: ops}
}

func (s *Service) observe(ctx context.Context, verb string) {
	s.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("verb", verb)))
}

// Create starts a conversation. A blank title is stored as NULL so the
// first turn derives one.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, title *string) (model.Conversation, error) {
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		switch {
		case trimmed == "":
			title = nil
		case len(trimmed) > model.MaxTitleLen:
			return model.Conversation{}, model.Invalidf("title exceeds %d characters", model.MaxTitleLen)
		default:
			title = &trimmed
		}
	}
	conv, err := s.db.CreateConversation(ctx, userID, title)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("conversations: create: %w", err)
	}
	s.observe(ctx, "create")
	return conv, nil
}

// Get returns one conversation owned by the user.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (model.Conversation, error) {
	return s.db.GetConversation(ctx, userID, id)
}

// List groups the user's conversations into recency buckets computed
// against the caller's wall clock, falling back to server time.
func (s *Service) List(ctx context.Context, userID uuid.UUID, clientTime *time.Time, limit int) ([]model.ConversationGroup, error) {
	now := time.Now().UTC()
	if clientTime != nil && !clientTime.IsZero() {
		now = *clientTime
	}
	groups, err := s.db.ListConversations(ctx, userID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("conversations: list: %w", err)
	}
	s.observe(ctx, "list")
	return groups, nil
}

// Rename sets the conversation title explicitly. Unlike derived titles,
// a rename overwrites whatever is there.
func (s *Service) Rename(ctx context.Context, userID, id uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return model.Invalidf("title is required")
	}
	if len(title) > model.MaxTitleLen {
		return model.Invalidf("title exceeds %d characters", model.MaxTitleLen)
	}
	if err := s.db.SetConversationTitle(ctx, userID, id, title); err != nil {
		return err
	}
	s.observe(ctx, "rename")
	return nil
}

// Delete removes a conversation; messages cascade with it. Research
// sources that lose their last referrer are swept opportunistically and
// never fail the delete.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.db.DeleteConversation(ctx, userID, id); err != nil {
		return err
	}
	s.observe(ctx, "delete")

	n, err := s.db.CleanupOrphanSourceRefs(ctx)
	if err != nil {
		s.logger.Warn("conversations: orphan source sweep failed", "error", err)
		return nil
	}
	if n > 0 {
		s.logger.Info("conversations: swept orphan sources", "count", n)
	}
	return nil
}

// Messages returns one page of a conversation's messages in (created_at,
// id) order, oldest first, plus whether more remain. A zero cursor reads
// from the start. The conversation must exist and belong to the user.
func (s *Service) Messages(ctx context.Context, userID, conversationID uuid.UUID, after time.Time, afterID uuid.UUID, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if _, err := s.db.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, false, err
	}

	msgs, err := s.db.ListMessages(ctx, userID, conversationID, after, afterID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("conversations: messages: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	s.observe(ctx, "messages")
	return msgs, hasMore, nil
}

// maxTitleRunes caps derived titles.
const maxTitleRunes = 80

// DeriveTitle turns the first user message into a one-line title of at
// most 80 runes, cut at a word boundary. Returns "" when the content is
// all whitespace.
func DeriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}
	cut := string(runes[:maxTitleRunes])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut
}
