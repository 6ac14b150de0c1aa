package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

func newStores(t *testing.T) (*ConversationStore, *MessageStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	db := NewDB(clock)
	return NewConversationStore(db), NewMessageStore(db), clock
}

func seedGroup(t *testing.T, convs *ConversationStore, members ...string) *models.Conversation {
	t.Helper()
	c := &models.Conversation{ID: "G1", Kind: models.KindGroup, Name: "team", CreatedBy: members[0]}
	for i, m := range members {
		var roles models.RoleSet
		if i == 0 {
			roles = models.RoleAdmin
		}
		c.Members = append(c.Members, models.Member{UserID: m, Roles: roles})
	}
	created, err := convs.Create(context.Background(), c)
	require.NoError(t, err)
	return created
}

func TestAppendAssignsSequenceAndSummary(t *testing.T) {
	ctx := context.Background()
	convs, msgs, clock := newStores(t)
	seedGroup(t, convs, "A", "B", "C")

	m1, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "A", Kind: models.MessageText, Text: "one"}, []string{"B", "C"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	m2, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "B", Kind: models.MessageText, Text: "two", TempID: "tmp_x"}, []string{"A", "C"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, models.StatusSent, m2.Status)
	assert.Empty(t, m2.TempID, "temp ids are never stored")

	c, err := convs.GetByID(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, "two", c.LastMessageText)
	assert.Equal(t, "B", c.LastSenderID)
	assert.Equal(t, int64(2), c.LastSeq)

	fc, err := convs.GetFlags(ctx, "G1", "C")
	require.NoError(t, err)
	assert.Equal(t, 2, fc.UnreadCount)
}

func TestAdvanceReceiptsAggregatesMinimum(t *testing.T) {
	ctx := context.Background()
	convs, msgs, _ := newStores(t)
	seedGroup(t, convs, "A", "B", "C")

	m, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "A", Kind: models.MessageText, Text: "hi"}, []string{"B", "C"})
	require.NoError(t, err)

	changes, err := msgs.AdvanceReceipts(ctx, "B", []int64{m.ID}, models.StatusRead)
	require.NoError(t, err)
	assert.Empty(t, changes, "C has not received yet")

	changes, err = msgs.AdvanceReceipts(ctx, "C", []int64{m.ID}, models.StatusDelivered)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusDelivered, changes[0].Status)

	changes, err = msgs.AdvanceReceipts(ctx, "C", []int64{m.ID}, models.StatusSent)
	require.NoError(t, err)
	assert.Empty(t, changes, "receipts never regress")

	changes, err = msgs.AdvanceReceipts(ctx, "C", []int64{m.ID}, models.StatusRead)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusRead, changes[0].Status)

	got, err := msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	convs, msgs, clock := newStores(t)
	seedGroup(t, convs, "A", "B")

	var times []time.Time
	for i := 0; i < 5; i++ {
		m, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "A", Kind: models.MessageText, Text: "m"}, []string{"B"})
		require.NoError(t, err)
		times = append(times, m.CreatedAt)
		clock.Advance(time.Minute)
	}

	page, err := msgs.ListBefore(ctx, "G1", repository.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{5, 4}, []int64{page[0].Seq, page[1].Seq})

	page, err = msgs.ListBefore(ctx, "G1", repository.Page{BeforeSeq: 4, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page, 3)

	page, err = msgs.ListBefore(ctx, "G1", repository.Page{BeforeTime: times[2], Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	after, err := msgs.ListAfter(ctx, "G1", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, []int64{after[0].Seq, after[1].Seq})
}

func TestMarkReadUpToRecountsUnread(t *testing.T) {
	ctx := context.Background()
	convs, msgs, _ := newStores(t)
	seedGroup(t, convs, "A", "B")

	for i := 0; i < 3; i++ {
		_, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "A", Kind: models.MessageText, Text: "x"}, []string{"B"})
		require.NoError(t, err)
	}

	f, err := convs.MarkReadUpTo(ctx, "G1", "B", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.LastReadSeq)
	assert.Equal(t, 1, f.UnreadCount)

	f, err = convs.MarkReadUpTo(ctx, "G1", "B", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.LastReadSeq, "last read never moves back")
}

func TestDirectKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	convs, _, _ := newStores(t)

	key := models.DirectKey("U1", "U2")
	_, err := convs.Create(ctx, &models.Conversation{ID: "D1", Kind: models.KindDirect, DirectKey: key})
	require.NoError(t, err)
	_, err = convs.Create(ctx, &models.Conversation{ID: "D2", Kind: models.KindDirect, DirectKey: key})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	found, err := convs.FindDirect(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "D1", found.ID)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	convs, msgs, _ := newStores(t)
	seedGroup(t, convs, "A", "B")

	m, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "A", Kind: models.MessageText, Text: "x"}, []string{"B"})
	require.NoError(t, err)

	require.NoError(t, convs.Delete(ctx, "G1"))

	c, err := convs.GetByID(ctx, "G1")
	require.NoError(t, err)
	assert.Nil(t, c)
	got, err := msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	convs, msgs, clock := newStores(t)

	for _, id := range []string{"G1", "G2"} {
		_, err := convs.Create(ctx, &models.Conversation{
			ID: id, Kind: models.KindGroup,
			Members: []models.Member{{UserID: "A", Roles: models.RoleAdmin}, {UserID: "B"}},
		})
		require.NoError(t, err)
	}
	clock.Advance(time.Minute)
	_, err := msgs.Append(ctx, &models.Message{ConversationID: "G1", SenderID: "A", Kind: models.MessageText, Text: "bump"}, []string{"B"})
	require.NoError(t, err)

	list, err := convs.ListForUser(ctx, "B")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "G1", list[0].ID)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.False(t, list[0].Admin)
}
