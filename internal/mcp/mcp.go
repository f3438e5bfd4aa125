// Package mcp implements the Model Context Protocol surface for Braid.
//
// The MCP server exposes a slice of the HTTP API as tools and resources
// so MCP-compatible agents can search a user's corpus, browse their
// conversations, and check spend. It mounts behind the same auth
// middleware as the REST routes; the authenticated user's claims travel
// in the request context, so every handler is scoped exactly like its
// HTTP counterpart.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/braidhq/braid/internal/ctxutil"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/storage"
)

// Server wraps the MCP server with Braid's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	pipeline  *retrieval.Pipeline
	convs     *conversations.Service
	logger    *slog.Logger

	defaultModelTag string
	defaultBudget   int64
}

// New creates and configures the MCP server with all tools and resources.
func New(db *storage.DB, pipeline *retrieval.Pipeline, convs *conversations.Service, defaultModelTag string, defaultBudget int64, logger *slog.Logger) *Server {
	s := &Server{
		db:              db,
		pipeline:        pipeline,
		convs:           convs,
		logger:          logger,
		defaultModelTag: defaultModelTag,
		defaultBudget:   defaultBudget,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"braid",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// search_documents — hybrid retrieval over the caller's corpus.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_documents",
			mcplib.WithDescription(`Search the user's uploaded documents with hybrid retrieval (semantic + keyword).

Returns the top passages with document names, ordinals, and relevance
scores — the same results the assistant cites during a conversation.
Use this to ground answers in the user's own material.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum passages to return"),
				mcplib.Min(1),
				mcplib.Max(20),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithString("discipline",
				mcplib.Description("Relevance strictness: strict, moderate, or permissive"),
			),
		),
		s.handleSearchDocuments,
	)

	// list_conversations — recency-grouped conversation list.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_conversations",
			mcplib.WithDescription("List the user's conversations grouped by recency (today, yesterday, this week, older)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum conversations to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleListConversations,
	)

	// get_usage — month-to-date spend against the budget cap.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_usage",
			mcplib.WithDescription("Get the user's model spend for a month, broken down by model, with the budget cap."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("month",
				mcplib.Description("Month to report, YYYY-MM. Defaults to the current UTC month."),
			),
		),
		s.handleGetUsage,
	)
}

func (s *Server) registerResources() {
	// braid://usage/current — current month spend snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"braid://usage/current",
			"Current Usage",
			mcplib.WithResourceDescription("Month-to-date model spend for the requesting user"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleUsageResource,
	)
}

func (s *Server) handleSearchDocuments(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, ok := callerID(ctx)
	if !ok {
		return errorResult("not authenticated"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	topK := request.GetInt("top_k", 5)
	discipline := model.Discipline(request.GetString("discipline", ""))

	chunks, err := s.pipeline.Query(ctx, userID, query, retrieval.QueryOptions{
		Discipline: discipline,
		TopK:       topK,
	})
	if err != nil {
		s.logger.Error("mcp search failed", "error", err)
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	type hit struct {
		DocumentID   uuid.UUID `json:"document_id"`
		DocumentName string    `json:"document_name"`
		Ordinal      int       `json:"ordinal"`
		Text         string    `json:"text"`
		Score        float32   `json:"score"`
	}
	hits := make([]hit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, hit{
			DocumentID:   c.DocumentID,
			DocumentName: c.DocumentName,
			Ordinal:      c.Ordinal,
			Text:         c.Text,
			Score:        c.Score,
		})
	}
	return jsonResult(hits)
}

func (s *Server) handleListConversations(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, ok := callerID(ctx)
	if !ok {
		return errorResult("not authenticated"), nil
	}
	limit := request.GetInt("limit", 50)

	groups, err := s.convs.List(ctx, userID, nil, limit)
	if err != nil {
		s.logger.Error("mcp list conversations failed", "error", err)
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	return jsonResult(groups)
}

func (s *Server) handleGetUsage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, ok := callerID(ctx)
	if !ok {
		return errorResult("not authenticated"), nil
	}
	period := request.GetString("month", "")
	if period == "" {
		period = storage.CurrentPeriod(time.Now())
	}

	snapshot, err := s.usageSnapshot(ctx, userID, period)
	if err != nil {
		s.logger.Error("mcp get usage failed", "error", err)
		return errorResult(fmt.Sprintf("usage lookup failed: %v", err)), nil
	}
	return jsonResult(snapshot)
}

func (s *Server) handleUsageResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, ok := callerID(ctx)
	if !ok {
		return nil, fmt.Errorf("mcp: not authenticated")
	}

	snapshot, err := s.usageSnapshot(ctx, userID, storage.CurrentPeriod(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("mcp: usage resource: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal usage: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "braid://usage/current",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) usageSnapshot(ctx context.Context, userID uuid.UUID, period string) (model.UsageResponse, error) {
	usage, err := s.db.GetUsage(ctx, userID, period)
	if err != nil {
		return model.UsageResponse{}, err
	}
	settings, err := s.db.EffectiveSettings(ctx, userID, s.defaultModelTag, s.defaultBudget)
	if err != nil {
		return model.UsageResponse{}, err
	}
	resp := model.UsageResponse{Usage: usage, Cap: settings.MonthlyBudget}
	if resp.Cap > 0 {
		resp.PercentUsed = float64(usage.TotalCost) / float64(resp.Cap) * 100
	}
	return resp, nil
}

// callerID pulls the authenticated user from the request context the HTTP
// auth middleware populated.
func callerID(ctx context.Context) (uuid.UUID, bool) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || claims.UserID == uuid.Nil {
		return uuid.Nil, false
	}
	return claims.UserID, true
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal failed: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
