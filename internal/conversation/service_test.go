package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/dedup"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository/memory"
	"github.com/lalith-99/huddle/internal/serial"
)

type harness struct {
	svc   *Service
	msgs  *messaging.Service
	hub   *realtime.Hub
	convs *memory.ConversationStore
	media *memory.MediaStore
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	db := memory.NewDB(clock)
	users := memory.NewUserStore(db)
	convs := memory.NewConversationStore(db)
	messages := memory.NewMessageStore(db)
	media := memory.NewMediaStore(db)

	for id, name := range map[string]string{"A": "Ann", "B": "Ben", "C": "Cat", "D": "Dan"} {
		_, err := users.Create(ctx, &models.User{ID: id, Email: id + "@example.com", DisplayName: name})
		require.NoError(t, err)
	}

	logger := zap.NewNop()
	locks := serial.NewKeyedMutex()
	reg := identity.NewRegistry(users, convs, identity.Options{Clock: clock}, logger)
	hub := realtime.NewHub(64, realtime.NewPresence(nil, clock, logger), logger)
	msgs := messaging.NewService(convs, messages, media, reg, locks, dedup.NewLRU(100, time.Minute), hub,
		messaging.Options{Clock: clock}, logger)
	svc := NewService(convs, media, reg, locks, msgs, hub, clock, logger)
	return &harness{svc: svc, msgs: msgs, hub: hub, convs: convs, media: media, clock: clock}
}

func (h *harness) connect(userID string) *realtime.Session {
	s := h.hub.Attach(userID)
	h.hub.Register(s)
	return s
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func drain(t *testing.T, s *realtime.Session) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw, ok := <-s.Outbound():
			if !ok {
				return out
			}
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func events(fs []frame) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Event)
	}
	return out
}

func systemTexts(t *testing.T, fs []frame) []string {
	t.Helper()
	out := make([]string, 0)
	for _, f := range fs {
		if f.Event != realtime.EventNewMessage {
			continue
		}
		var m models.Message
		require.NoError(t, json.Unmarshal(f.Data, &m))
		if m.IsSystem() {
			out = append(out, m.Text)
		}
	}
	return out
}

func (h *harness) history(t *testing.T, actor, convID string) []models.Message {
	t.Helper()
	msgs, err := h.msgs.FetchSince(context.Background(), actor, convID, 0, 100)
	require.NoError(t, err)
	return msgs
}

func TestStartDirectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := h.connect("B")

	first, created, err := h.svc.StartDirect(ctx, "A", "B")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.KindDirect, first.Kind)
	assert.Equal(t, []string{realtime.EventConversationCreated}, events(drain(t, b)))

	second, created, err := h.svc.StartDirect(ctx, "b", "a")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, drain(t, b))

	_, _, err = h.svc.StartDirect(ctx, "A", "A")
	assert.True(t, apperr.Is(err, apperr.InvariantViolation))
	_, _, err = h.svc.StartDirect(ctx, "A", "ZZ")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestStartDirectConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "A", "B"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := h.svc.StartDirect(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := h.connect("B")

	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "  Team  ", Members: []string{"B", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "Team", conv.Name)
	assert.Equal(t, []string{"A", "B"}, conv.MemberIDs())
	assert.Equal(t, []string{"A"}, conv.Admins())

	fs := drain(t, b)
	assert.Equal(t, []string{realtime.EventConversationCreated, realtime.EventNewMessage}, events(fs))
	assert.Equal(t, []string{"Ann created the group"}, systemTexts(t, fs))

	_, err = h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "x", Members: []string{"NOBODY"}})
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))
	_, err = h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: " "})
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))
}

func TestAddMembersWritesOneSystemMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B"}})
	require.NoError(t, err)
	b := h.connect("B")
	c := h.connect("C")

	after, added, err := h.svc.AddMembers(ctx, "A", conv.ID, []string{"C", "D", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D"}, added)
	assert.Len(t, after.Members, 4)

	bFrames := drain(t, b)
	assert.Equal(t, []string{realtime.EventNewMessage, realtime.EventGroupMembersAdded}, events(bFrames))
	assert.Equal(t, []string{"Ann added Cat and Dan"}, systemTexts(t, bFrames))

	cFrames := drain(t, c)
	require.NotEmpty(t, cFrames)
	assert.Equal(t, realtime.EventConversationCreated, cFrames[0].Event, "new members learn about the group first")

	hist := h.history(t, "C", conv.ID)
	require.Len(t, hist, 2)
	assert.Equal(t, "Ann added Cat and Dan", hist[1].Text)

	_, again, err := h.svc.AddMembers(ctx, "A", conv.ID, []string{"C"})
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, h.history(t, "A", conv.ID), 2, "no system message when nothing changed")

	_, _, err = h.svc.AddMembers(ctx, "B", conv.ID, []string{"C"})
	assert.True(t, apperr.Is(err, apperr.Forbidden), "only admins add members")
}

func TestRemoveMembers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B", "C"}})
	require.NoError(t, err)
	c := h.connect("C")
	h.hub.Join(c, conv.ID)

	after, removed, err := h.svc.RemoveMembers(ctx, "A", conv.ID, []string{"C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, removed)
	assert.False(t, after.HasMember("C"))
	assert.False(t, h.hub.Joined(c, conv.ID), "removed users are evicted from the room")

	fs := drain(t, c)
	assert.Equal(t, []string{"Ann removed Cat"}, systemTexts(t, fs))
	assert.Contains(t, events(fs), realtime.EventUserRemovedFromGroup)

	_, err = h.msgs.Send(ctx, messaging.SendRequest{ConversationID: conv.ID, SenderID: "C", Text: "still here?"})
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	_, _, err = h.svc.RemoveMembers(ctx, "A", conv.ID, []string{"A", "B"})
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))
}

func TestLastAdminProtection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B"}})
	require.NoError(t, err)
	before := len(h.history(t, "A", conv.ID))

	_, err = h.svc.DemoteAdmin(ctx, "A", conv.ID, "A")
	assert.True(t, apperr.Is(err, apperr.InvariantViolation))

	_, err = h.svc.Leave(ctx, "A", conv.ID)
	assert.True(t, apperr.Is(err, apperr.InvariantViolation))

	got, err := h.svc.Get(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAdmin("A"), "state unchanged")
	assert.Len(t, h.history(t, "A", conv.ID), before, "no system message on failure")

	_, err = h.svc.MakeAdmin(ctx, "A", conv.ID, "B")
	require.NoError(t, err)
	_, err = h.svc.DemoteAdmin(ctx, "A", conv.ID, "A")
	require.NoError(t, err)

	after, err := h.svc.Get(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, after.Admins())

	hist := h.history(t, "B", conv.ID)
	assert.Equal(t, "Ann made Ben an admin", hist[len(hist)-2].Text)
	assert.Equal(t, "Ann is no longer an admin", hist[len(hist)-1].Text)

	_, err = h.svc.MakeAdmin(ctx, "A", conv.ID, "A")
	assert.True(t, apperr.Is(err, apperr.Forbidden), "A is no longer an admin")
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B"}})
	require.NoError(t, err)
	b := h.connect("B")

	after, err := h.svc.Leave(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, after.MemberIDs())
	assert.Equal(t, []string{"Ben left"}, systemTexts(t, drain(t, b)))

	_, err = h.svc.Leave(ctx, "A", conv.ID)
	require.NoError(t, err, "the sole member may leave")
	_, err = h.svc.Get(ctx, "A", conv.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound), "and the group is gone")

	direct, _, err := h.svc.StartDirect(ctx, "A", "B")
	require.NoError(t, err)
	_, err = h.svc.Leave(ctx, "A", direct.ID)
	require.NoError(t, err)
	flags, err := h.convs.GetFlags(ctx, direct.ID, "A")
	require.NoError(t, err)
	assert.True(t, flags.Hidden, "leaving a direct conversation hides it")
	still, err := h.svc.Get(ctx, "A", direct.ID)
	require.NoError(t, err)
	assert.True(t, still.HasMember("A"))
}

func TestDeleteGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B"}})
	require.NoError(t, err)
	b := h.connect("B")
	h.hub.Join(b, conv.ID)

	assert.True(t, apperr.Is(h.svc.DeleteGroup(ctx, "B", conv.ID), apperr.Forbidden))

	require.NoError(t, h.svc.DeleteGroup(ctx, "A", conv.ID))
	assert.Contains(t, events(drain(t, b)), realtime.EventGroupDeleted)
	assert.False(t, h.hub.Joined(b, conv.ID))

	_, err = h.msgs.FetchSince(ctx, "A", conv.ID, 0, 10)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestAdminActionsOnDirectConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	direct, _, err := h.svc.StartDirect(ctx, "A", "B")
	require.NoError(t, err)

	_, _, err = h.svc.AddMembers(ctx, "A", direct.ID, []string{"C"})
	assert.True(t, apperr.Is(err, apperr.InvariantViolation))

	name := "renamed"
	_, err = h.svc.UpdateDetails(ctx, "A", direct.ID, DetailsUpdate{Name: &name})
	assert.True(t, apperr.Is(err, apperr.InvariantViolation))
}

func TestUpdateDetails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B"}})
	require.NoError(t, err)

	require.NoError(t, h.media.Create(ctx, &models.MediaBlob{ID: "IMG", ConversationID: conv.ID, UploaderID: "A", MimeType: "image/png", StorageKey: "k"}))
	require.NoError(t, h.media.Create(ctx, &models.MediaBlob{ID: "PDF", ConversationID: conv.ID, UploaderID: "A", MimeType: "application/pdf", StorageKey: "k2"}))

	name, desc, icon := "Crew", "weekly sync", "IMG"
	updated, err := h.svc.UpdateDetails(ctx, "A", conv.ID, DetailsUpdate{Name: &name, Description: &desc, IconMediaID: &icon})
	require.NoError(t, err)
	assert.Equal(t, "Crew", updated.Name)
	assert.Equal(t, "weekly sync", updated.Description)
	assert.Equal(t, "IMG", updated.IconMediaID)

	hist := h.history(t, "B", conv.ID)
	texts := make([]string, 0, len(hist))
	for _, m := range hist[1:] {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{
		`Ann renamed the group to "Crew"`,
		"Ann updated the group description",
		"Ann changed the group icon",
	}, texts)

	pdf := "PDF"
	_, err = h.svc.UpdateDetails(ctx, "A", conv.ID, DetailsUpdate{IconMediaID: &pdf})
	assert.True(t, apperr.Is(err, apperr.UnsupportedMedia))

	other := "Mine"
	_, err = h.svc.UpdateDetails(ctx, "B", conv.ID, DetailsUpdate{Name: &other})
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	_, err = h.svc.UpdateDetails(ctx, "A", conv.ID, DetailsUpdate{Name: &name})
	require.NoError(t, err)
	assert.Len(t, h.history(t, "A", conv.ID), 4, "unchanged fields write nothing")
}

func TestMuteAndHide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	direct, _, err := h.svc.StartDirect(ctx, "A", "B")
	require.NoError(t, err)
	a := h.connect("A")
	b := h.connect("B")

	flags, err := h.svc.Mute(ctx, "A", direct.ID, true)
	require.NoError(t, err)
	assert.True(t, flags.Muted)
	assert.Equal(t, []string{realtime.EventConversationFlags}, events(drain(t, a)))
	assert.Empty(t, drain(t, b), "mute is private")

	_, err = h.svc.SetHidden(ctx, "A", direct.ID, true)
	require.NoError(t, err)
	list, err := h.svc.List(ctx, "A", false)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.msgs.Send(ctx, messaging.SendRequest{ConversationID: direct.ID, SenderID: "B", Text: "ping"})
	require.NoError(t, err)
	list, err = h.svc.List(ctx, "A", false)
	require.NoError(t, err)
	require.Len(t, list, 1, "a new message unhides it")
	assert.Equal(t, "Ben", list[0].Title)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.True(t, list[0].Muted)
}

func TestListOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	g, err := h.svc.CreateGroup(ctx, CreateGroupRequest{Creator: "A", Name: "Team", Members: []string{"B"}})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	d, _, err := h.svc.StartDirect(ctx, "A", "C")
	require.NoError(t, err)

	list, err := h.svc.List(ctx, "A", false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, d.ID, list[0].ID)
	assert.Equal(t, "Cat", list[0].Title)

	h.clock.Advance(time.Minute)
	_, err = h.msgs.Send(ctx, messaging.SendRequest{ConversationID: g.ID, SenderID: "B", Text: "bump"})
	require.NoError(t, err)
	list, err = h.svc.List(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, g.ID, list[0].ID)
	assert.Equal(t, "Team", list[0].Title)
}

func TestJoinNames(t *testing.T) {
	assert.Equal(t, "", joinNames(nil))
	assert.Equal(t, "A", joinNames([]string{"A"}))
	assert.Equal(t, "A and B", joinNames([]string{"A", "B"}))
	assert.Equal(t, "A, B and C", joinNames([]string{"A", "B", "C"}))
}
