package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
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

func newTestUser(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.EnsureUser(context.Background(), id, "sub-"+id.String()[:8], "Test User")
	require.NoError(t, err)
	return id
}

// createReadyDocument ingests a document with n embedded chunks through the
// storage layer, which also enqueues outbox upserts transactionally.
func createReadyDocument(t *testing.T, userID uuid.UUID, n int) (uuid.UUID, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	content := "doc-" + uuid.NewString()
	sum := sha256.Sum256([]byte(content))

	doc, err := testDB.CreateDocument(ctx, model.Document{
		UserID:      userID,
		DisplayName: content + ".txt",
		MimeTag:     "text/plain",
		SizeBytes:   int64(len(content)),
		ContentHash: hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	require.NoError(t, testDB.MarkDocumentProcessing(ctx, userID, doc.ID))

	chunks := make([]model.Chunk, n)
	for i := range chunks {
		vec := make([]float32, 1024)
		vec[i%1024] = 1
		emb := pgvector.NewVector(vec)
		chunks[i] = model.Chunk{
			Ordinal:     i,
			Text:        fmt.Sprintf("chunk %d of %s", i, content),
			Embedding:   &emb,
			TokenCount:  8,
			StartOffset: i * 10,
			EndOffset:   i*10 + 9,
		}
	}
	require.NoError(t, testDB.InsertDocumentChunks(ctx, userID, doc.ID, chunks))

	ids := make([]uuid.UUID, n)
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	return doc.ID, ids
}

func cleanOutbox(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), `DELETE FROM search_outbox`)
	require.NoError(t, err)
}

func insertOutboxEntry(t *testing.T, chunkID, userID uuid.UUID, op string, attempts int) int64 {
	t.Helper()
	var id int64
	err := testDB.Pool().QueryRow(context.Background(),
		`INSERT INTO search_outbox (chunk_id, user_id, op, attempts) VALUES ($1, $2, $3, $4) RETURNING id`,
		chunkID, userID, op, attempts,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func insertOutboxEntryAged(t *testing.T, chunkID, userID uuid.UUID, op string, attempts int, age time.Duration) int64 {
	t.Helper()
	var id int64
	err := testDB.Pool().QueryRow(context.Background(),
		`INSERT INTO search_outbox (chunk_id, user_id, op, attempts, enqueued_at)
		 VALUES ($1, $2, $3, $4, now() - $5::interval) RETURNING id`,
		chunkID, userID, op, attempts, fmt.Sprintf("%d seconds", int(age.Seconds())),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func outboxEntryExists(t *testing.T, id int64) bool {
	t.Helper()
	var exists bool
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT EXISTS(SELECT 1 FROM search_outbox WHERE id = $1)`, id,
	).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func getOutboxEntry(t *testing.T, id int64) (attempts int, lastError *string, lockedUntil *time.Time) {
	t.Helper()
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT attempts, last_error, locked_until FROM search_outbox WHERE id = $1`, id,
	).Scan(&attempts, &lastError, &lockedUntil)
	require.NoError(t, err)
	return
}

// newUnreachableWorker returns a worker whose QdrantIndex points at a port
// nothing listens on: DB-side paths run for real, index RPCs fail.
func newUnreachableWorker(t *testing.T) *OutboxWorker {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16335",
		Collection: "test_chunks",
		Dims:       1024,
	}, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return NewOutboxWorker(testDB, idx, testutil.TestLogger(), 100*time.Millisecond, 50)
}

func TestInsertChunksEnqueuesOutbox(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)
	_, chunkIDs := createReadyDocument(t, userID, 3)

	rows, err := testDB.Pool().Query(context.Background(),
		`SELECT chunk_id, op FROM search_outbox WHERE user_id = $1`, userID)
	require.NoError(t, err)
	defer rows.Close()

	got := map[uuid.UUID]string{}
	for rows.Next() {
		var id uuid.UUID
		var op string
		require.NoError(t, rows.Scan(&id, &op))
		got[id] = op
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 3)
	for _, id := range chunkIDs {
		assert.Equal(t, "upsert", got[id])
	}
}

func TestSucceedEntriesRemovesRows(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)

	id1 := insertOutboxEntry(t, uuid.New(), userID, "upsert", 0)
	id2 := insertOutboxEntry(t, uuid.New(), userID, "delete", 2)

	w := NewOutboxWorker(testDB, nil, testutil.TestLogger(), time.Second, 50)
	w.succeedEntries(context.Background(), []outboxEntry{
		{ID: id1}, {ID: id2},
	})

	assert.False(t, outboxEntryExists(t, id1))
	assert.False(t, outboxEntryExists(t, id2))
}

func TestFailEntriesBackoff(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)

	lowID := insertOutboxEntry(t, uuid.New(), userID, "upsert", 0)
	highID := insertOutboxEntry(t, uuid.New(), userID, "upsert", 4)

	w := NewOutboxWorker(testDB, nil, testutil.TestLogger(), time.Second, 50)
	ctx := context.Background()
	w.failEntries(ctx, []outboxEntry{{ID: lowID, Attempts: 0}}, "qdrant unavailable")
	w.failEntries(ctx, []outboxEntry{{ID: highID, Attempts: 4}}, "qdrant unavailable")

	attempts, lastErr, locked := getOutboxEntry(t, lowID)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, lastErr)
	assert.Equal(t, "qdrant unavailable", *lastErr)
	require.NotNil(t, locked)
	assert.True(t, locked.After(time.Now()))
	// 2^1 = 2s backoff for the first failure.
	assert.True(t, locked.Before(time.Now().Add(10*time.Second)),
		"low-attempt entry should have short backoff")

	_, _, lockedHigh := getOutboxEntry(t, highID)
	require.NotNil(t, lockedHigh)
	// 2^5 = 32s backoff after five failures.
	assert.True(t, lockedHigh.After(time.Now().Add(20*time.Second)),
		"high-attempt entry should have longer backoff")
}

func TestCleanupDeadLetters(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)

	oldDead := insertOutboxEntryAged(t, uuid.New(), userID, "upsert", maxOutboxAttempts, 8*24*time.Hour)
	recentDead := insertOutboxEntryAged(t, uuid.New(), userID, "upsert", maxOutboxAttempts, 1*24*time.Hour)
	oldAlive := insertOutboxEntryAged(t, uuid.New(), userID, "upsert", 5, 8*24*time.Hour)

	w := NewOutboxWorker(testDB, nil, testutil.TestLogger(), time.Second, 50)
	w.cleanupDeadLetters(context.Background())

	assert.False(t, outboxEntryExists(t, oldDead), "old dead-letter should be removed")
	assert.True(t, outboxEntryExists(t, recentDead), "recent dead-letter should be kept")
	assert.True(t, outboxEntryExists(t, oldAlive), "old entry below max attempts should be kept")
}

func TestClaimSkipsLockedAndExhaustedEntries(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)
	ctx := context.Background()

	claimable := insertOutboxEntry(t, uuid.New(), userID, "upsert", 0)
	insertOutboxEntry(t, uuid.New(), userID, "upsert", maxOutboxAttempts)

	var lockedID int64
	err := testDB.Pool().QueryRow(ctx,
		`INSERT INTO search_outbox (chunk_id, user_id, op, attempts, locked_until)
		 VALUES ($1, $2, 'upsert', 0, now() + interval '1 hour') RETURNING id`,
		uuid.New(), userID,
	).Scan(&lockedID)
	require.NoError(t, err)

	tx, err := testDB.Pool().Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, chunk_id, user_id, op, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY enqueued_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, 50,
	)
	require.NoError(t, err)

	entries, err := scanOutboxEntries(rows)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the unlocked, unexhausted entry is claimable")
	assert.Equal(t, claimable, entries[0].ID)
}

func TestProcessBatchDropsEntriesForVanishedChunks(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)

	// Upsert entry pointing at a chunk that no longer exists: nothing to
	// push, so the entry is removed without touching the index.
	id := insertOutboxEntry(t, uuid.New(), userID, "upsert", 0)

	w := newUnreachableWorker(t)
	w.lastCleanup = time.Now() // keep cleanup out of this test

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.processBatch(ctx)

	assert.False(t, outboxEntryExists(t, id))
}

func TestProcessBatchFailsUpsertsWhenIndexDown(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)
	_, chunkIDs := createReadyDocument(t, userID, 1)
	require.Len(t, chunkIDs, 1)

	// The document ingest enqueued the upsert row already.
	w := newUnreachableWorker(t)
	w.lastCleanup = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.processBatch(ctx)

	var attempts int
	var lastErr *string
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT attempts, last_error FROM search_outbox WHERE chunk_id = $1`, chunkIDs[0],
	).Scan(&attempts, &lastErr)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, lastErr)
	assert.Contains(t, *lastErr, "qdrant upsert")
}

func TestProcessBatchFailsDeletesWhenIndexDown(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)

	id := insertOutboxEntry(t, uuid.New(), userID, "delete", 0)

	w := newUnreachableWorker(t)
	w.lastCleanup = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.processBatch(ctx)

	attempts, lastErr, _ := getOutboxEntry(t, id)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, lastErr)
	assert.Contains(t, *lastErr, "qdrant delete")
}

func TestBackfillOutbox(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)
	_, chunkIDs := createReadyDocument(t, userID, 3)

	// Simulate an index wipe: the enqueued rows are gone.
	cleanOutbox(t)

	n, err := testDB.BackfillOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var count int
	require.NoError(t, testDB.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM search_outbox WHERE chunk_id = ANY($1)`, chunkIDs,
	).Scan(&count))
	assert.Equal(t, 3, count)

	// Idempotent: chunks with pending rows are not enqueued again.
	n, err = testDB.BackfillOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillOutboxSkipsIndexedChunks(t *testing.T) {
	// After a healthy drain the outbox is empty and indexed_at is stamped.
	// A restart must not re-enqueue the whole corpus.
	cleanOutbox(t)
	userID := newTestUser(t)
	_, chunkIDs := createReadyDocument(t, userID, 3)

	require.NoError(t, testDB.MarkChunksIndexed(context.Background(), chunkIDs))
	cleanOutbox(t)

	n, err := testDB.BackfillOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Clearing indexed_at (what reembed does) makes them eligible again.
	_, err = testDB.Pool().Exec(context.Background(),
		`UPDATE chunks SET indexed_at = NULL WHERE id = ANY($1)`, chunkIDs)
	require.NoError(t, err)

	n, err = testDB.BackfillOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestWorkerFullCycle(t *testing.T) {
	cleanOutbox(t)
	userID := newTestUser(t)
	insertOutboxEntry(t, uuid.New(), userID, "delete", 0)

	w := newUnreachableWorker(t)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	w.Start(bgCtx)
	assert.True(t, w.started.Load())

	// Let the worker tick a couple of times.
	time.Sleep(300 * time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)

	select {
	case <-w.done:
	default:
		t.Fatal("done channel should be closed after drain")
	}
}
