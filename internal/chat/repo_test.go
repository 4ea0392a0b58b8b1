package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/models"
	"github.com/suPer8Hu/tenant-chat/internal/testutil"
)

func openConv(t *testing.T, r *Repo, tenantID, userID string) *models.Conversation {
	t.Helper()
	c, created, err := r.Open(context.Background(), OpenParams{TenantID: tenantID, UserID: userID})
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func TestOpen_NewConversationDefaults(t *testing.T) {
	r := NewRepo(testutil.OpenDB(t))
	c := openConv(t, r, "T1", "alice")

	assert.Equal(t, models.DefaultConversationTitle, c.Title)
	assert.Zero(t, c.MessageCount)
	assert.Zero(t, c.TotalTokens)
	assert.False(t, c.Archived)

	again, created, err := r.Open(context.Background(), OpenParams{TenantID: "T1", UserID: "alice", ConversationID: c.ID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)
}

func TestOpen_ChatbotMismatch(t *testing.T) {
	r := NewRepo(testutil.OpenDB(t))
	c, _, err := r.Open(context.Background(), OpenParams{TenantID: "T1", UserID: "alice", ChatbotID: "B1"})
	require.NoError(t, err)

	_, _, err = r.Open(context.Background(), OpenParams{TenantID: "T1", UserID: "alice", ChatbotID: "B2", ConversationID: c.ID})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAppendMessage_RejectsArchivedConversation(t *testing.T) {
	r := NewRepo(testutil.OpenDB(t))
	ctx := context.Background()
	c := openConv(t, r, "T1", "alice")

	_, err := r.AppendMessage(ctx, c.ID, models.RoleUser, "before", MessageMeta{})
	require.NoError(t, err)

	n, err := r.Archive(ctx, "T1", "alice", []string{c.ID}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = r.AppendMessage(ctx, c.ID, models.RoleAssistant, "after", MessageMeta{})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = r.AppendMessage(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", models.RoleUser, "x", MessageMeta{})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.AppendMessage(ctx, c.ID, "tool", "x", MessageMeta{})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestHistory_ChronologicalWindow(t *testing.T) {
	r := NewRepo(testutil.OpenDB(t))
	ctx := context.Background()
	c := openConv(t, r, "T1", "alice")

	for i := 0; i < 5; i++ {
		_, err := r.AppendMessage(ctx, c.ID, models.RoleUser, fmt.Sprintf("m%d", i), MessageMeta{})
		require.NoError(t, err)
	}

	msgs, err := r.History(ctx, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m4", msgs[2].Content)

	// a later call sees later writes
	_, err = r.AppendMessage(ctx, c.ID, models.RoleAssistant, "m5", MessageMeta{})
	require.NoError(t, err)
	msgs, err = r.History(ctx, c.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, "m5", msgs[2].Content)
}

func TestUpdateRollups_TitleOnlyOnFirstTurn(t *testing.T) {
	r := NewRepo(testutil.OpenDB(t))
	ctx := context.Background()
	c := openConv(t, r, "T1", "alice")

	first, second := "First title", "Second title"
	require.NoError(t, r.UpdateRollups(ctx, c.ID, Rollup{Messages: 2, Tokens: 10, Title: &first}))
	require.NoError(t, r.UpdateRollups(ctx, c.ID, Rollup{Messages: 2, Tokens: 5, Title: &second}))

	got, err := r.GetOwned(ctx, "T1", "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "First title", got.Title)
	assert.Equal(t, 4, got.MessageCount)
	assert.EqualValues(t, 15, got.TotalTokens)

	require.ErrorIs(t, r.UpdateRollups(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", Rollup{Messages: 2}), apperr.ErrNotFound)
}

func TestArchive_IgnoresForeignIDs(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewRepo(db)
	ctx := context.Background()
	a := openConv(t, r, "T1", "alice")
	b := openConv(t, r, "T1", "alice")
	c := openConv(t, r, "T1", "bob")

	n, err := r.Archive(ctx, "T1", "alice", []string{a.ID, b.ID, c.ID}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := r.GetOwned(ctx, "T1", "bob", c.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)

	got, err = r.GetOwned(ctx, "T1", "alice", a.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)
}

func TestArchive_BatchCap(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewRepo(db)
	ctx := context.Background()
	keep := openConv(t, r, "T1", "alice")

	ids := []string{keep.ID}
	for i := 0; i < MaxArchiveBatch; i++ {
		ids = append(ids, fmt.Sprintf("01ARZ3NDEKTSV4RRFFQ69G%04d", i))
	}
	require.Len(t, ids, 101)

	_, err := r.Archive(ctx, "T1", "alice", ids, true)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.GetOwned(ctx, "T1", "alice", keep.ID)
	require.NoError(t, err, "nothing may change when the batch is rejected")

	_, err = r.Archive(ctx, "T1", "alice", nil, false)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestArchive_PermanentCascades(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewRepo(db)
	ctx := context.Background()
	gone := openConv(t, r, "T1", "alice")
	kept := openConv(t, r, "T1", "alice")

	for _, conv := range []*models.Conversation{gone, kept} {
		m, err := r.AppendMessage(ctx, conv.ID, models.RoleAssistant, "answer", MessageMeta{})
		require.NoError(t, err)
		require.NoError(t, db.Create(&models.Feedback{
			ID: "F" + conv.ID[1:], MessageID: m.ID, UserID: "alice", ConversationID: conv.ID, Rating: models.RatingPositive,
		}).Error)
	}
	require.NoError(t, db.Create(&models.UsageMetric{TenantID: "T1", UserID: "alice", Date: "2024-05-01", TotalTokens: 9}).Error)

	n, err := r.Archive(ctx, "T1", "alice", []string{gone.ID, gone.ID}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = r.GetOwned(ctx, "T1", "alice", gone.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	var msgs, fbs, usageRows int64
	require.NoError(t, db.Model(&models.Message{}).Count(&msgs).Error)
	require.NoError(t, db.Model(&models.Feedback{}).Count(&fbs).Error)
	require.NoError(t, db.Model(&models.UsageMetric{}).Count(&usageRows).Error)
	assert.EqualValues(t, 1, msgs)
	assert.EqualValues(t, 1, fbs)
	assert.EqualValues(t, 1, usageRows, "usage ledger survives deletion")
}

func TestListMessages_CursorAndOwnership(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewRepo(db)
	ctx := context.Background()
	c := openConv(t, r, "T1", "alice")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, db.Create(&models.Message{
			ID:             fmt.Sprintf("01ARZ3NDEKTSV4RRFFQ69G5FA%d", i),
			ConversationID: c.ID,
			Role:           models.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}).Error)
	}

	page, err := r.ListMessages(ctx, "T1", "alice", c.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Content)
	assert.Equal(t, "m2", page[1].Content)

	page, err = r.ListMessages(ctx, "T1", "alice", c.ID, 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].Content)
	assert.Equal(t, "m0", page[1].Content)

	_, err = r.ListMessages(ctx, "T1", "bob", c.ID, 2, "")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.ListMessages(ctx, "T1", "alice", c.ID, 2, "nope")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTitleFromMessage(t *testing.T) {
	assert.Equal(t, models.DefaultConversationTitle, TitleFromMessage("  \n "))
	assert.Equal(t, "Hello world", TitleFromMessage("  Hello \n\t world "))

	long := "This sentence is definitely going to be longer than fifty characters"
	got := TitleFromMessage(long)
	assert.LessOrEqual(t, len([]rune(got)), 50)
	assert.Equal(t, "...", got[len(got)-3:])

	exact := "12345678901234567890123456789012345678901234567890"
	assert.Equal(t, exact, TitleFromMessage(exact))

	cjk := TitleFromMessage("你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好")
	assert.Equal(t, 50, len([]rune(cjk)))
}
