package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/budget"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/server"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
	"github.com/braidhq/braid/internal/testutil"
)

var (
	testDB     *storage.DB
	testSrv    *httptest.Server
	testToken  string
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
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt manager: %v\n", err)
		return 1
	}

	testUserID = uuid.New()
	if _, err := testDB.EnsureUser(ctx, testUserID, "server-test-subject", "Server Tester"); err != nil {
		fmt.Fprintf(os.Stderr, "server test: ensure user: %v\n", err)
		return 1
	}
	testToken, _, err = jwtMgr.IssueToken(testUserID, "server-test-subject", "Server Tester")
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: issue token: %v\n", err)
		return 1
	}

	sealer, err := tabular.NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: sealer: %v\n", err)
		return 1
	}

	pipeline := retrieval.New(testDB, llm.NewNoopEmbedder(1024), nil, nil, retrieval.Config{}, logger)
	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:              testDB,
			Convs:           conversations.New(testDB, logger),
			Pipeline:        pipeline,
			Bindings:        tabular.NewService(testDB, sealer, logger),
			Governor:        budget.New(testDB, "claude-sonnet", 2000, logger),
			Logger:          logger,
			Version:         "test",
			MaxBodyBytes:    1 << 20,
			DefaultModelTag: "claude-sonnet",
			DefaultBudget:   2000,
		},
		JWTMgr: jwtMgr,
		Logger: logger,
	})

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	return m.Run()
}

func doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := testSrv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID, "every response carries a request ID")
	if target != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, target))
	}
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var envelope model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

func TestHealth(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestReadiness(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Postgres)
}

func TestUnauthenticatedRequest(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/conversations")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeUnauthorized, detail.Code)
}

func TestConversationLifecycle(t *testing.T) {
	// Create.
	title := "Quarterly numbers"
	resp := doRequest(t, "POST", "/v1/conversations", model.CreateConversationRequest{Title: &title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	decodeData(t, resp, &conv)
	require.NotEqual(t, uuid.Nil, conv.ID)
	require.NotNil(t, conv.Title)
	assert.Equal(t, title, *conv.Title)

	// Get.
	resp = doRequest(t, "GET", "/v1/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched model.Conversation
	decodeData(t, resp, &fetched)
	assert.Equal(t, conv.ID, fetched.ID)

	// Rename.
	resp = doRequest(t, "PATCH", "/v1/conversations/"+conv.ID.String(), map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var renamed model.Conversation
	decodeData(t, resp, &renamed)
	require.NotNil(t, renamed.Title)
	assert.Equal(t, "Renamed", *renamed.Title)

	// List: the conversation appears in a recency bucket.
	resp = doRequest(t, "GET", "/v1/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var groups []model.ConversationGroup
	decodeData(t, resp, &groups)
	var found bool
	for _, g := range groups {
		for _, c := range g.Conversations {
			if c.ID == conv.ID {
				found = true
			}
		}
	}
	assert.True(t, found)

	// Messages page is empty but well-formed.
	resp = doRequest(t, "GET", "/v1/conversations/"+conv.ID.String()+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Messages []model.Message `json:"messages"`
		HasMore  bool            `json:"has_more"`
	}
	decodeData(t, resp, &page)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)

	// Delete, then 404.
	resp = doRequest(t, "DELETE", "/v1/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/v1/conversations/"+conv.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeNotFound, detail.Code)
}

func TestConversationBadID(t *testing.T) {
	resp := doRequest(t, "GET", "/v1/conversations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeValidation, detail.Code)
}

func TestUnknownFieldRejected(t *testing.T) {
	resp := doRequest(t, "POST", "/v1/conversations", map[string]any{"titel": "typo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func uploadFile(t *testing.T, filename, contentType string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", testSrv.URL+"/v1/documents", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := testSrv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func waitForReady(t *testing.T, documentID uuid.UUID) model.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := doRequest(t, "GET", "/v1/documents/"+documentID.String(), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var doc model.Document
		decodeData(t, resp, &doc)
		switch doc.Status {
		case model.DocumentReady:
			return doc
		case model.DocumentFailed:
			t.Fatalf("document failed: %v", doc.Error)
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("document never became ready")
	return model.Document{}
}

func TestDocumentUploadAndDedup(t *testing.T) {
	content := []byte("Braid ingestion test corpus. The fjord pilot program launches in March.")

	resp := uploadFile(t, "pilot.txt", "text/plain", content)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first model.UploadDocumentResponse
	decodeData(t, resp, &first)
	assert.False(t, first.Duplicate)

	doc := waitForReady(t, first.DocumentID)
	assert.Positive(t, doc.ChunkCount)

	// Same bytes under a different name resolve to the same document.
	resp = uploadFile(t, "renamed.txt", "text/plain", content)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var second model.UploadDocumentResponse
	decodeData(t, resp, &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	// Delete removes the row.
	resp = doRequest(t, "DELETE", "/v1/documents/"+first.DocumentID.String(), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/v1/documents/"+first.DocumentID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDocumentUnsupportedType(t *testing.T) {
	resp := uploadFile(t, "binary.exe", "application/octet-stream", []byte{0x4d, 0x5a, 0x00})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeValidation, detail.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	// Defaults come back for a user who never saved settings.
	resp := doRequest(t, "GET", "/v1/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settings model.UserSettings
	decodeData(t, resp, &settings)
	assert.Equal(t, "claude-sonnet", settings.DefaultModelTag)
	assert.Equal(t, int64(2000), settings.MonthlyBudget)

	// Partial update.
	newBudget := int64(5000)
	ragOnly := true
	resp = doRequest(t, "PATCH", "/v1/settings", model.UpdateSettingsRequest{
		MonthlyBudget: &newBudget,
		RAGOnly:       &ragOnly,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.UserSettings
	decodeData(t, resp, &updated)
	assert.Equal(t, int64(5000), updated.MonthlyBudget)
	assert.True(t, updated.RAGOnly)
	assert.Equal(t, "claude-sonnet", updated.DefaultModelTag, "untouched field keeps its value")

	// Invalid budget rejected.
	bad := int64(-1)
	resp = doRequest(t, "PATCH", "/v1/settings", model.UpdateSettingsRequest{MonthlyBudget: &bad})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	period := storage.CurrentPeriod(time.Now())
	require.NoError(t, testDB.FoldUsage(ctx, testUserID, period, "claude-sonnet", 1000, 400, 120))

	resp := doRequest(t, "GET", "/v1/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage model.UsageResponse
	decodeData(t, resp, &usage)
	assert.GreaterOrEqual(t, usage.Usage.TotalCost, int64(120))
	assert.Positive(t, usage.Cap)

	// Malformed month parameter.
	resp = doRequest(t, "GET", "/v1/usage?month=2026-13", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// A past month with no spend is a zero record, not an error.
	resp = doRequest(t, "GET", "/v1/usage?month=2000-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty model.UsageResponse
	decodeData(t, resp, &empty)
	assert.Zero(t, empty.Usage.TotalCost)
}

func TestTabularBindingValidationFailure(t *testing.T) {
	// A binding whose database cannot be reached is stored as failed, not
	// rejected outright.
	resp := doRequest(t, "POST", "/v1/tabular/bindings", model.CreateBindingRequest{
		DisplayName: "unreachable",
		EngineTag:   model.EngineSQLite,
		DSN:         "file:/nonexistent/path/db.sqlite?mode=ro",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var binding model.TabularBinding
	decodeData(t, resp, &binding)
	assert.Equal(t, model.BindingFailed, binding.Status)

	// The DSN never appears in the listing.
	resp = doRequest(t, "GET", "/v1/tabular/bindings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "nonexistent/path")
}

func TestScopeIsolation(t *testing.T) {
	// A second user cannot see the first user's conversation.
	otherID := uuid.New()
	ctx := context.Background()
	_, err := testDB.EnsureUser(ctx, otherID, "other-subject", "Other")
	require.NoError(t, err)

	title := "private"
	resp := doRequest(t, "POST", "/v1/conversations", model.CreateConversationRequest{Title: &title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	decodeData(t, resp, &conv)

	// Storage-level check: the scoped read fails for the other user. The
	// HTTP layer maps this to 404 (covered by TestConversationLifecycle's
	// delete-then-get path); here the invariant itself is asserted.
	_, err = testDB.GetConversation(ctx, otherID, conv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
