package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// newTestUser creates a fresh shadow user row and returns its ID.
func newTestUser(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.EnsureUser(context.Background(), id, "sub-"+id.String()[:8], "Test User")
	require.NoError(t, err)
	return id
}

func strPtr(s string) *string { return &s }

func vecPtr(v pgvector.Vector) *pgvector.Vector { return &v }

func testVector(seed float32) pgvector.Vector {
	v := make([]float32, 1024)
	v[0] = seed
	v[1] = 1 - seed
	return pgvector.NewVector(v)
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testDB.CreateConversation(ctx, userID, nil)
	require.NoError(t, err)
	assert.Nil(t, conv.Title)

	got, err := testDB.GetConversation(ctx, userID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// Another user cannot see it.
	otherID := newTestUser(t)
	_, err = testDB.GetConversation(ctx, otherID, conv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Derived title sets once and never overwrites.
	set, err := testDB.SetDerivedTitle(ctx, userID, conv.ID, "First question")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = testDB.SetDerivedTitle(ctx, userID, conv.ID, "Should not replace")
	require.NoError(t, err)
	assert.False(t, set)

	got, err = testDB.GetConversation(ctx, userID, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "First question", *got.Title)

	// Explicit rename does replace.
	require.NoError(t, testDB.SetConversationTitle(ctx, userID, conv.ID, "Renamed"))
	got, err = testDB.GetConversation(ctx, userID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", *got.Title)

	require.NoError(t, testDB.DeleteConversation(ctx, userID, conv.ID))
	_, err = testDB.GetConversation(ctx, userID, conv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListConversationsBuckets(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

	mk := func(title string, updatedAt time.Time) {
		conv, err := testDB.CreateConversation(ctx, userID, strPtr(title))
		require.NoError(t, err)
		_, err = testDB.Pool().Exec(ctx,
			`UPDATE conversations SET updated_at = $2 WHERE id = $1`, conv.ID, updatedAt)
		require.NoError(t, err)
	}

	mk("today", now.Add(-2*time.Hour))
	mk("yesterday", now.Add(-20*time.Hour))
	mk("prior-week", now.Add(-4*24*time.Hour))
	mk("older", now.Add(-30*24*time.Hour))

	groups, err := testDB.ListConversations(ctx, userID, now, 100)
	require.NoError(t, err)
	require.Len(t, groups, 4)

	assert.Equal(t, model.BucketToday, groups[0].Bucket)
	assert.Equal(t, "today", *groups[0].Conversations[0].Title)
	assert.Equal(t, model.BucketYesterday, groups[1].Bucket)
	assert.Equal(t, model.BucketPriorWeek, groups[2].Bucket)
	assert.Equal(t, model.BucketOlder, groups[3].Bucket)
}

func TestAppendAndListMessages(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testDB.CreateConversation(ctx, userID, nil)
	require.NoError(t, err)

	for i, content := range []string{"one", "two", "three"} {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		_, err := testDB.AppendMessage(ctx, model.Message{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           role,
			Content:        content,
		})
		require.NoError(t, err)
	}

	msgs, err := testDB.ListMessages(ctx, userID, conv.ID, time.Time{}, uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)

	// Keyset pagination resumes after the first message.
	page, err := testDB.ListMessages(ctx, userID, conv.ID, msgs[0].CreatedAt, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "two", page[0].Content)

	// Recent window returns the last K in chronological order.
	recent, err := testDB.RecentMessages(ctx, userID, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "three", recent[1].Content)

	first, err := testDB.FirstUserMessage(ctx, userID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", first.Content)

	// Appending into someone else's conversation fails.
	otherID := newTestUser(t)
	_, err = testDB.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID,
		UserID:         otherID,
		Role:           model.RoleUser,
		Content:        "intruder",
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessageCitationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testDB.CreateConversation(ctx, userID, nil)
	require.NoError(t, err)

	docID := uuid.New()
	chunkID := uuid.New()
	msg, err := testDB.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           model.RoleAssistant,
		Content:        "Answer [1].",
		Citations: []model.Citation{
			{N: 1, DocumentID: docID, DocumentName: "report.pdf", ChunkID: chunkID, Score: 0.91},
		},
	})
	require.NoError(t, err)

	msgs, err := testDB.ListMessages(ctx, userID, conv.ID, time.Time{}, uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Citations, 1)
	assert.Equal(t, 1, msgs[0].Citations[0].N)
	assert.Equal(t, "report.pdf", msgs[0].Citations[0].DocumentName)
	assert.Equal(t, chunkID, msgs[0].Citations[0].ChunkID)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestDocumentDedupAndLifecycle(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	doc, err := testDB.CreateDocument(ctx, model.Document{
		UserID:      userID,
		DisplayName: "notes.txt",
		MimeTag:     "text/plain",
		SizeBytes:   42,
		ContentHash: "hash-" + uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.DocumentPending, doc.Status)

	require.NoError(t, testDB.MarkDocumentProcessing(ctx, userID, doc.ID))

	// Dedup only matches ready documents.
	_, err = testDB.FindReadyDocumentByHash(ctx, userID, doc.ContentHash)
	require.ErrorIs(t, err, storage.ErrNotFound)

	chunks := []model.Chunk{
		{ID: uuid.New(), DocumentID: doc.ID, UserID: userID, Ordinal: 0, Text: "alpha beta", TokenCount: 2, EndOffset: 10, Embedding: vecPtr(testVector(0.9))},
		{ID: uuid.New(), DocumentID: doc.ID, UserID: userID, Ordinal: 1, Text: "gamma delta", TokenCount: 2, StartOffset: 10, EndOffset: 21, Embedding: vecPtr(testVector(0.1))},
	}
	require.NoError(t, testDB.InsertDocumentChunks(ctx, userID, doc.ID, chunks))

	ready, err := testDB.GetDocument(ctx, userID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentReady, ready.Status)
	assert.Equal(t, 2, ready.ChunkCount)

	found, err := testDB.FindReadyDocumentByHash(ctx, userID, doc.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, found.ID)

	// Same hash for a different user does not match.
	otherID := newTestUser(t)
	_, err = testDB.FindReadyDocumentByHash(ctx, otherID, doc.ContentHash)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Delete returns chunk IDs and enqueues outbox deletes.
	ids, err := testDB.DeleteDocument(ctx, userID, doc.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	var pendingDeletes int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM search_outbox WHERE op = 'delete' AND chunk_id = ANY($1)`,
		ids,
	).Scan(&pendingDeletes)
	require.NoError(t, err)
	assert.Equal(t, 2, pendingDeletes)
}

func TestInsertDocumentChunksRejectsWrongDimension(t *testing.T) {
	// The vector column is fixed-width; a mismatched embedding must fail
	// the insert instead of storing a vector no search can compare.
	ctx := context.Background()
	userID := newTestUser(t)

	doc, err := testDB.CreateDocument(ctx, model.Document{
		UserID:      userID,
		DisplayName: "short.txt",
		MimeTag:     "text/plain",
		SizeBytes:   10,
		ContentHash: "hash-" + uuid.NewString(),
	})
	require.NoError(t, err)
	require.NoError(t, testDB.MarkDocumentProcessing(ctx, userID, doc.ID))

	short := pgvector.NewVector(make([]float32, 8))
	err = testDB.InsertDocumentChunks(ctx, userID, doc.ID, []model.Chunk{
		{DocumentID: doc.ID, UserID: userID, Ordinal: 0, Text: "alpha", TokenCount: 1, EndOffset: 5, Embedding: &short},
	})
	require.Error(t, err)

	// The rejected batch rolled back: no chunks, document not ready.
	var count int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, doc.ID,
	).Scan(&count))
	assert.Zero(t, count)

	got, err := testDB.GetDocument(ctx, userID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentProcessing, got.Status)
}

func TestMarkDocumentFailedClearsChunks(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	doc, err := testDB.CreateDocument(ctx, model.Document{
		UserID:      userID,
		DisplayName: "bad.txt",
		MimeTag:     "text/plain",
		SizeBytes:   10,
		ContentHash: "hash-" + uuid.NewString(),
	})
	require.NoError(t, err)
	require.NoError(t, testDB.MarkDocumentProcessing(ctx, userID, doc.ID))
	require.NoError(t, testDB.MarkDocumentFailed(ctx, userID, doc.ID, "embedding provider unavailable"))

	got, err := testDB.GetDocument(ctx, userID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "embedding")

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, doc.ID).Scan(&n))
	assert.Zero(t, n, "failed ingestion must leave no partial chunks")
}

func TestDenseAndLexicalSearchScoping(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	otherID := newTestUser(t)

	mkDoc := func(owner uuid.UUID, text string, seed float32) uuid.UUID {
		doc, err := testDB.CreateDocument(ctx, model.Document{
			UserID:      owner,
			DisplayName: "doc.txt",
			MimeTag:     "text/plain",
			SizeBytes:   int64(len(text)),
			ContentHash: "hash-" + uuid.NewString(),
		})
		require.NoError(t, err)
		require.NoError(t, testDB.MarkDocumentProcessing(ctx, owner, doc.ID))
		require.NoError(t, testDB.InsertDocumentChunks(ctx, owner, doc.ID, []model.Chunk{
			{ID: uuid.New(), DocumentID: doc.ID, UserID: owner, Ordinal: 0, Text: text, TokenCount: 4, EndOffset: len(text), Embedding: vecPtr(testVector(seed))},
		}))
		return doc.ID
	}

	mkDoc(userID, "quarterly revenue grew twelve percent", 0.95)
	mkDoc(otherID, "quarterly revenue shrank four percent", 0.95)

	dense, err := testDB.DenseSearch(ctx, userID, testVector(0.95), 10)
	require.NoError(t, err)
	require.Len(t, dense, 1, "dense search must only see the caller's chunks")
	assert.Equal(t, userID, dense[0].Chunk.UserID)
	assert.Greater(t, dense[0].Score, float32(0.9))

	lexical, err := testDB.LexicalSearch(ctx, userID, "quarterly revenue", 10)
	require.NoError(t, err)
	require.Len(t, lexical, 1, "lexical search must only see the caller's chunks")
	assert.Contains(t, lexical[0].Chunk.Text, "grew")
}

func TestSettingsDefaultsAndSave(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	_, err := testDB.GetSettings(ctx, userID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	eff, err := testDB.EffectiveSettings(ctx, userID, "claude-sonnet-4-5", 500000)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", eff.DefaultModelTag)
	assert.Equal(t, int64(500000), eff.MonthlyBudget)
	assert.Equal(t, model.DisciplineModerate, eff.Discipline)
	assert.False(t, eff.RAGOnly)

	eff.Discipline = model.DisciplineStrict
	eff.RAGOnly = true
	eff.PerAgentOverrides = map[string]string{"research": "claude-opus-4-1"}
	require.NoError(t, testDB.SaveSettings(ctx, eff))

	got, err := testDB.GetSettings(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, model.DisciplineStrict, got.Discipline)
	assert.True(t, got.RAGOnly)
	assert.Equal(t, "claude-opus-4-1", got.PerAgentOverrides["research"])
}

func TestMemoryRecallThreshold(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	near := testVector(0.9)
	far := testVector(0.05)

	require.NoError(t, testDB.InsertMemory(ctx, model.Memory{
		ID: uuid.New(), UserID: userID, Kind: model.MemoryPreference,
		Content: "prefers concise answers", Embedding: &near, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, testDB.InsertMemory(ctx, model.Memory{
		ID: uuid.New(), UserID: userID, Kind: model.MemoryFact,
		Content: "works in biotech", Embedding: &far, CreatedAt: time.Now().UTC(),
	}))

	recalled, err := testDB.RecallMemories(ctx, userID, near, 3, 0.82)
	require.NoError(t, err)
	require.Len(t, recalled, 1, "only the similar memory clears the threshold")
	assert.Equal(t, "prefers concise answers", recalled[0].Content)
	assert.GreaterOrEqual(t, recalled[0].Similarity, float32(0.82))

	// Listing and deletion.
	all, err := testDB.ListMemories(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, testDB.DeleteMemory(ctx, userID, all[0].ID))
	require.ErrorIs(t, testDB.DeleteMemory(ctx, userID, all[0].ID), storage.ErrNotFound)
}

func TestTabularBindingLifecycle(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	b, err := testDB.CreateTabularBinding(ctx, model.TabularBinding{
		UserID:      userID,
		DisplayName: "warehouse",
		EngineTag:   model.EnginePostgres,
	}, storage.SealedCredential{Ciphertext: []byte("sealed"), Nonce: []byte("nonce-bytes!")})
	require.NoError(t, err)
	assert.Equal(t, model.BindingValidating, b.Status)

	snap := model.SchemaSnapshot{
		Tables: []model.TableSummary{
			{Name: "orders", Columns: []model.ColumnSummary{{Name: "id", Type: "bigint"}, {Name: "total", Type: "numeric"}}},
		},
		CapturedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.ActivateBinding(ctx, userID, b.ID, snap))

	got, err := testDB.GetTabularBinding(ctx, userID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BindingActive, got.Status)
	require.NotNil(t, got.SchemaSnapshot)
	assert.Equal(t, "orders", got.SchemaSnapshot.Tables[0].Name)
	require.NotNil(t, got.LastValidatedAt)

	// Credential retrieval is scoped to the owner.
	cred, err := testDB.GetBindingCredential(ctx, userID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), cred.Ciphertext)

	otherID := newTestUser(t)
	_, err = testDB.GetBindingCredential(ctx, otherID, b.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// History entries record attempts, failures included.
	require.NoError(t, testDB.AppendTabularHistory(ctx, model.TabularHistoryEntry{
		UserID: userID, BindingID: b.ID, Question: "total sales?",
		GeneratedSQL: "SELECT sum(total) FROM orders LIMIT 1000", RowCount: 1, WallMS: 42,
	}))
	kind := "unsafe_sql"
	require.NoError(t, testDB.AppendTabularHistory(ctx, model.TabularHistoryEntry{
		UserID: userID, BindingID: b.ID, Question: "drop it",
		GeneratedSQL: "DROP TABLE orders", ErrorKind: &kind,
	}))

	hist, err := testDB.ListTabularHistory(ctx, userID, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "drop it", hist[0].Question)

	require.NoError(t, testDB.DeleteTabularBinding(ctx, userID, b.ID))
	_, err = testDB.GetTabularBinding(ctx, userID, b.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResearchJobProgression(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	job, err := testDB.CreateResearchJob(ctx, model.ResearchJob{
		UserID: userID,
		Topic:  "solid-state battery manufacturing",
		Depth:  model.DepthStandard,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResearchPending, job.Status)

	require.NoError(t, testDB.StartResearchJob(ctx, userID, job.ID, []string{"History", "Current players", "Outlook"}))
	// Double start conflicts.
	require.ErrorIs(t, testDB.StartResearchJob(ctx, userID, job.ID, nil), storage.ErrConflict)

	require.NoError(t, testDB.UpdateResearchProgress(ctx, userID, job.ID, 40))
	// Progress is monotone.
	require.NoError(t, testDB.UpdateResearchProgress(ctx, userID, job.ID, 20))

	require.NoError(t, testDB.AppendResearchSection(ctx, userID, job.ID, model.ResearchSection{
		Title: "History", Content: "Early cells...", WordCount: 120,
	}))
	require.NoError(t, testDB.AppendResearchWarning(ctx, userID, job.ID, "provider serper unavailable"))

	got, err := testDB.GetResearchJob(ctx, userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResearchRunning, got.Status)
	assert.Equal(t, 40, got.ProgressPercent)
	require.Len(t, got.Sections, 1)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, []string{"History", "Current players", "Outlook"}, got.PlanOutline)

	// Failure retains sections.
	require.NoError(t, testDB.FailResearchJob(ctx, userID, job.ID, "cancelled"))
	got, err = testDB.GetResearchJob(ctx, userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResearchFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "cancelled", *got.Error)
	assert.Len(t, got.Sections, 1, "partial sections survive failure")

	// Terminal states reject further transitions.
	require.ErrorIs(t, testDB.CompleteResearchJob(ctx, userID, job.ID, 100, nil), storage.ErrConflict)
	require.ErrorIs(t, testDB.FailResearchJob(ctx, userID, job.ID, "again"), storage.ErrConflict)
}

func TestSourceRefsAndOrphanCleanup(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	job, err := testDB.CreateResearchJob(ctx, model.ResearchJob{
		UserID: userID, Topic: "graph databases", Depth: model.DepthQuick,
	})
	require.NoError(t, err)

	ref, err := testDB.InsertSourceRef(ctx, model.SourceRef{
		JobID: &job.ID, UserID: userID,
		URL: "https://example.com/paper", Title: strPtr("A Paper"),
		CredibilityScore: 3, PublisherTag: "academic",
	})
	require.NoError(t, err)

	refs, err := testDB.ListSourceRefs(ctx, userID, job.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ref.URL, refs[0].URL)

	// Deleting the job nulls the referrer; cleanup then sweeps the orphan.
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM research_jobs WHERE id = $1`, job.ID)
	require.NoError(t, err)

	n, err := testDB.CleanupOrphanSourceRefs(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	var remaining int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM research_sources WHERE id = $1`, ref.ID).Scan(&remaining))
	assert.Zero(t, remaining)
}

func TestUsageFoldIsCumulative(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	period := storage.CurrentPeriod(time.Now())

	// Zero record before any spend.
	rec, err := testDB.GetUsage(ctx, userID, period)
	require.NoError(t, err)
	assert.Zero(t, rec.TotalCost)

	require.NoError(t, testDB.FoldUsage(ctx, userID, period, "claude-sonnet-4-5", 1000, 500, 120))
	require.NoError(t, testDB.FoldUsage(ctx, userID, period, "claude-sonnet-4-5", 2000, 1000, 240))
	require.NoError(t, testDB.FoldUsage(ctx, userID, period, "voyage-3", 8000, 0, 10))

	rec, err = testDB.GetUsage(ctx, userID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(370), rec.TotalCost)
	require.Contains(t, rec.ByModel, "claude-sonnet-4-5")
	assert.Equal(t, int64(3000), rec.ByModel["claude-sonnet-4-5"].InputTokens)
	assert.Equal(t, int64(1500), rec.ByModel["claude-sonnet-4-5"].OutputTokens)
	assert.Equal(t, int64(360), rec.ByModel["claude-sonnet-4-5"].Cost)
	assert.Equal(t, int64(10), rec.ByModel["voyage-3"].Cost)

	spend, err := testDB.MonthToDateSpend(ctx, userID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(370), spend)
}

func TestScopeViolationOnNilUser(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.GetConversation(ctx, uuid.Nil, uuid.New())
	require.ErrorIs(t, err, storage.ErrScopeViolation)

	_, err = testDB.ListDocuments(ctx, uuid.Nil, 10)
	require.ErrorIs(t, err, storage.ErrScopeViolation)

	_, err = testDB.GetUsage(ctx, uuid.Nil, "2026-08")
	require.ErrorIs(t, err, storage.ErrScopeViolation)
}
