package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/ctxutil"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/testutil"
)

var (
	testDB     *storage.DB
	testServer *Server
	testUserID uuid.UUID
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	testUserID = uuid.New()
	if _, err := testDB.EnsureUser(ctx, testUserID, "mcp-test-subject", "MCP Tester"); err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: ensure user: %v\n", err)
		return 1
	}

	pipeline := retrieval.New(testDB, llm.NewNoopEmbedder(1024), nil, nil, retrieval.Config{}, logger)
	convs := conversations.New(testDB, logger)
	testServer = New(testDB, pipeline, convs, "claude-sonnet", 2000, logger)

	return m.Run()
}

// userCtx returns a context carrying claims for the test user, the way the
// HTTP auth middleware populates it in front of the MCP transport.
func userCtx() context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{UserID: testUserID})
}

func callTool(t *testing.T, ctx context.Context, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	req := mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	var result *mcplib.CallToolResult
	var err error
	switch name {
	case "search_documents":
		result, err = testServer.handleSearchDocuments(ctx, req)
	case "list_conversations":
		result, err = testServer.handleListConversations(ctx, req)
	case "get_usage":
		result, err = testServer.handleGetUsage(ctx, req)
	default:
		t.Fatalf("unknown tool %q", name)
	}
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func textOf(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestSearchDocuments(t *testing.T) {
	ctx := userCtx()

	// Ingest a document synchronously so there is something to find.
	_, err := retrieval.New(testDB, llm.NewNoopEmbedder(1024), nil, nil, retrieval.Config{}, testutil.TestLogger()).
		Ingest(ctx, testUserID, retrieval.IngestInput{
			DisplayName: "notes.txt",
			MimeTag:     "text/plain",
			Content:     []byte("The quarterly revenue target for the Berlin office is two million euros."),
		})
	require.NoError(t, err)

	result := callTool(t, ctx, "search_documents", map[string]any{
		"query": "Berlin revenue target",
	})
	require.False(t, result.IsError, textOf(t, result))

	var hits []struct {
		DocumentName string  `json:"document_name"`
		Text         string  `json:"text"`
		Score        float32 `json:"score"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &hits))
	require.NotEmpty(t, hits)
	assert.Equal(t, "notes.txt", hits[0].DocumentName)
	assert.Contains(t, hits[0].Text, "Berlin")
}

func TestSearchDocumentsRequiresQuery(t *testing.T) {
	result := callTool(t, userCtx(), "search_documents", map[string]any{})
	assert.True(t, result.IsError)
}

func TestSearchDocumentsUnauthenticated(t *testing.T) {
	result := callTool(t, context.Background(), "search_documents", map[string]any{
		"query": "anything",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "not authenticated")
}

func TestListConversations(t *testing.T) {
	ctx := userCtx()
	title := "Budget planning"
	_, err := conversations.New(testDB, testutil.TestLogger()).Create(ctx, testUserID, &title)
	require.NoError(t, err)

	result := callTool(t, ctx, "list_conversations", map[string]any{})
	require.False(t, result.IsError, textOf(t, result))

	var groups []model.ConversationGroup
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &groups))
	require.NotEmpty(t, groups)

	var found bool
	for _, g := range groups {
		for _, c := range g.Conversations {
			if c.Title != nil && *c.Title == title {
				found = true
			}
		}
	}
	assert.True(t, found, "created conversation should appear in the list")
}

func TestGetUsage(t *testing.T) {
	ctx := userCtx()
	period := storage.CurrentPeriod(time.Now())
	require.NoError(t, testDB.FoldUsage(ctx, testUserID, period, "claude-sonnet", 100, 50, 42))

	result := callTool(t, ctx, "get_usage", map[string]any{})
	require.False(t, result.IsError, textOf(t, result))

	var resp model.UsageResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &resp))
	assert.Equal(t, int64(42), resp.Usage.TotalCost)
	assert.Equal(t, int64(2000), resp.Cap)
	assert.InDelta(t, 2.1, resp.PercentUsed, 0.01)
}

func TestGetUsageBadMonthIsZeroRecord(t *testing.T) {
	result := callTool(t, userCtx(), "get_usage", map[string]any{"month": "1999-01"})
	require.False(t, result.IsError)

	var resp model.UsageResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &resp))
	assert.Zero(t, resp.Usage.TotalCost)
}

func TestUsageResource(t *testing.T) {
	contents, err := testServer.handleUsageResource(userCtx(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "braid://usage/current", tc.URI)
	assert.Equal(t, "application/json", tc.MIMEType)

	var resp model.UsageResponse
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &resp))
	assert.Equal(t, testUserID, resp.Usage.UserID)
}

func TestUsageResourceUnauthenticated(t *testing.T) {
	_, err := testServer.handleUsageResource(context.Background(), mcplib.ReadResourceRequest{})
	require.Error(t, err)
}
