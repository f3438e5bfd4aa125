package conversations_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/testutil"
)

var (
	testDB  *storage.DB
	testSvc *conversations.Service
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testSvc = conversations.New(testDB, testutil.TestLogger())

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

func strPtr(s string) *string { return &s }

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "How do I rotate my API key",
		conversations.DeriveTitle("  How do I rotate\n my API key  "))
	assert.Equal(t, "", conversations.DeriveTitle("   \n\t "))

	long := strings.Repeat("alpha ", 30)
	title := conversations.DeriveTitle(long)
	assert.LessOrEqual(t, len([]rune(title)), 80)
	assert.True(t, strings.HasSuffix(title, "alpha"))
	assert.NotContains(t, title, "  ")
}

func TestCreateTrimsTitle(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testSvc.Create(ctx, userID, nil)
	require.NoError(t, err)
	assert.Nil(t, conv.Title)

	conv, err = testSvc.Create(ctx, userID, strPtr("  Quarterly numbers  "))
	require.NoError(t, err)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "Quarterly numbers", *conv.Title)

	conv, err = testSvc.Create(ctx, userID, strPtr("   "))
	require.NoError(t, err)
	assert.Nil(t, conv.Title)

	_, err = testSvc.Create(ctx, userID, strPtr(strings.Repeat("x", model.MaxTitleLen+1)))
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGetScopedToOwner(t *testing.T) {
	ctx := context.Background()
	owner := newTestUser(t)
	other := newTestUser(t)

	conv, err := testSvc.Create(ctx, owner, strPtr("mine"))
	require.NoError(t, err)

	got, err := testSvc.Get(ctx, owner, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = testSvc.Get(ctx, other, conv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListBucketsAgainstClientClock(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

	mk := func(title string, updatedAt time.Time) {
		conv, err := testSvc.Create(ctx, userID, strPtr(title))
		require.NoError(t, err)
		_, err = testDB.Pool().Exec(ctx,
			`UPDATE conversations SET updated_at = $2 WHERE id = $1`, conv.ID, updatedAt)
		require.NoError(t, err)
	}

	mk("today", now.Add(-2*time.Hour))
	mk("yesterday", now.Add(-20*time.Hour))
	mk("older", now.Add(-30*24*time.Hour))

	groups, err := testSvc.List(ctx, userID, &now, 100)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, model.BucketToday, groups[0].Bucket)
	assert.Equal(t, "today", *groups[0].Conversations[0].Title)
	assert.Equal(t, model.BucketYesterday, groups[1].Bucket)
	assert.Equal(t, model.BucketOlder, groups[2].Bucket)
}

func TestListFallsBackToServerClock(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	_, err := testSvc.Create(ctx, userID, strPtr("fresh"))
	require.NoError(t, err)

	groups, err := testSvc.List(ctx, userID, nil, 100)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, model.BucketToday, groups[0].Bucket)
}

func TestRenameConversation(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testSvc.Create(ctx, userID, strPtr("draft"))
	require.NoError(t, err)

	require.NoError(t, testSvc.Rename(ctx, userID, conv.ID, "  Final plan  "))
	got, err := testSvc.Get(ctx, userID, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Final plan", *got.Title)

	var verr *model.ValidationError
	require.ErrorAs(t, testSvc.Rename(ctx, userID, conv.ID, "   "), &verr)
	require.ErrorAs(t, testSvc.Rename(ctx, userID, conv.ID, strings.Repeat("x", model.MaxTitleLen+1)), &verr)

	err = testSvc.Rename(ctx, userID, uuid.New(), "ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteSweepsOrphanSources(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testSvc.Create(ctx, userID, strPtr("doomed"))
	require.NoError(t, err)
	msg, err := testDB.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           model.RoleAssistant,
		Content:        "see [1]",
	})
	require.NoError(t, err)

	// A source referenced only by this message loses its last referrer
	// when the conversation cascade removes the message.
	sourceID := uuid.New()
	_, err = testDB.Pool().Exec(ctx,
		`INSERT INTO research_sources (id, message_id, user_id, url) VALUES ($1, $2, $3, $4)`,
		sourceID, msg.ID, userID, "https://example.com/report")
	require.NoError(t, err)

	require.NoError(t, testSvc.Delete(ctx, userID, conv.ID))

	_, err = testSvc.Get(ctx, userID, conv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	var count int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM research_sources WHERE id = $1`, sourceID).Scan(&count))
	assert.Equal(t, 0, count)

	err = testSvc.Delete(ctx, userID, conv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessagesPagination(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)

	conv, err := testSvc.Create(ctx, userID, nil)
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		_, err := testDB.AppendMessage(ctx, model.Message{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           role,
			Content:        string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	page, hasMore, err := testSvc.Messages(ctx, userID, conv.ID, time.Time{}, uuid.Nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, hasMore)
	assert.Equal(t, "a", page[0].Content)
	assert.Equal(t, "c", page[2].Content)

	last := page[len(page)-1]
	rest, hasMore, err := testSvc.Messages(ctx, userID, conv.ID, last.CreatedAt, last.ID, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.False(t, hasMore)
	assert.Equal(t, "d", rest[0].Content)
	assert.Equal(t, "e", rest[1].Content)

	// Zero limit falls back to the default page size.
	all, hasMore, err := testSvc.Messages(ctx, userID, conv.ID, time.Time{}, uuid.Nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.False(t, hasMore)

	_, _, err = testSvc.Messages(ctx, userID, uuid.New(), time.Time{}, uuid.Nil, 10)
	require.ErrorIs(t, err, storage.ErrNotFound)

	other := newTestUser(t)
	_, _, err = testSvc.Messages(ctx, other, conv.ID, time.Time{}, uuid.Nil, 10)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
