package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/auth"
	"github.com/lalith-99/huddle/internal/calls"
	"github.com/lalith-99/huddle/internal/conversation"
	"github.com/lalith-99/huddle/internal/dedup"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/media"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository/memory"
	"github.com/lalith-99/huddle/internal/serial"
)

const testSecret = "ws-test-secret"

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

type testServer struct {
	url string
	gw  *Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	logger := zap.NewNop()

	db := memory.NewDB(clock)
	users := memory.NewUserStore(db)
	convs := memory.NewConversationStore(db)
	messages := memory.NewMessageStore(db)
	blobs := memory.NewMediaStore(db)
	for id, name := range map[string]string{"U1": "Alice", "U2": "Bob", "U3": "Carol"} {
		_, err := users.Create(ctx, &models.User{ID: id, Email: id + "@example.com", DisplayName: name})
		require.NoError(t, err)
	}
	_, err := convs.Create(ctx, &models.Conversation{
		ID: "g1", Kind: models.KindGroup, Name: "team",
		Members: []models.Member{{UserID: "U1", Roles: models.RoleAdmin}, {UserID: "U2"}},
	})
	require.NoError(t, err)

	locks := serial.NewKeyedMutex()
	reg := identity.NewRegistry(users, convs, identity.Options{Clock: clock}, logger)
	presence := realtime.NewPresence(nil, clock, logger)
	hub := realtime.NewHub(64, presence, logger)
	typing := realtime.NewTypingTracker(hub, clock, 5*time.Second)
	msgs := messaging.NewService(convs, messages, blobs, reg, locks, dedup.NewLRU(100, time.Minute), hub,
		messaging.Options{Clock: clock}, logger)
	conv := conversation.NewService(convs, blobs, reg, locks, msgs, hub, clock, logger)
	store, err := media.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	med := media.NewService(blobs, store, media.NewPolicy([]string{"image/*"}), reg, hub, media.Options{MaxBytes: 1 << 20, Clock: clock}, logger)
	mgr := calls.NewManager(reg, hub, clock, time.Minute, logger)
	t.Cleanup(mgr.Close)

	gw := NewGateway(Deps{
		Hub: hub, Presence: presence, Typing: typing, Registry: reg,
		Messages: msgs, Conversations: conv, Media: med, Calls: mgr,
	}, testSecret, logger)

	r := gin.New()
	r.GET("/ws", gw.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", gw: gw}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, userID+"@example.com", false, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) dial(t *testing.T, userID string) *wsConn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.url+"?token="+token(t, userID), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) emit(event, ackID string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Envelope{Event: event, Data: raw, AckID: ackID}))
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// expect reads frames until one named event arrives, skipping the rest.
func (c *wsConn) expect(event string) json.RawMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f inbound
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f.Data
		}
	}
}

func (c *wsConn) ack(ackID string) Ack {
	c.t.Helper()
	for {
		var a struct {
			AckID string          `json:"ack_id"`
			OK    bool            `json:"ok"`
			Data  json.RawMessage `json:"data"`
			Error *ErrorBody      `json:"error"`
		}
		require.NoError(c.t, json.Unmarshal(c.expect(realtime.EventAck), &a))
		if a.AckID == ackID {
			return Ack{AckID: a.AckID, OK: a.OK, Data: a.Data, Error: a.Error}
		}
	}
}

func (c *wsConn) register(userID string) {
	c.t.Helper()
	c.emit(InRegister, "reg", registerPayload{UserID: userID})
	a := c.ack("reg")
	require.True(c.t, a.OK, "register failed: %+v", a.Error)
}

func TestUpgradeRequiresToken(t *testing.T) {
	s := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(s.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterMustMatchToken(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "u1")

	c.emit(InJoinRoom, "early", roomPayload{ConversationID: "g1"})
	a := c.ack("early")
	assert.False(t, a.OK)
	assert.Equal(t, "not_authenticated", string(a.Error.Kind))

	c.emit(InRegister, "r1", registerPayload{UserID: "u2"})
	a = c.ack("r1")
	assert.False(t, a.OK)
	assert.Equal(t, "not_authenticated", string(a.Error.Kind))

	c.emit(InRegister, "r2", registerPayload{UserID: "U1"})
	a = c.ack("r2")
	assert.True(t, a.OK)
}

func TestSendMessageReconcilesTempID(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "u1")
	alice.register("u1")
	bob := s.dial(t, "u2")
	bob.register("u2")

	alice.emit(InSendMessage, "", sendPayload{ConversationID: "g1", MessageText: "hello", TempID: "tmp_1"})

	var rec models.Reconciled
	require.NoError(t, json.Unmarshal(alice.expect(realtime.EventMessageAck), &rec))
	assert.Equal(t, "tmp_1", rec.TempID)
	assert.NotZero(t, rec.MessageID)
	assert.Equal(t, models.StatusSent, rec.Status)

	var msg models.Message
	require.NoError(t, json.Unmarshal(bob.expect(realtime.EventNewMessage), &msg))
	assert.Equal(t, rec.MessageID, msg.ID)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "U1", msg.SenderID)
}

func TestMediaKindFollowsStoredBlob(t *testing.T) {
	s := newTestServer(t)
	blob, err := s.gw.Media.Upload(context.Background(), media.UploadRequest{
		ConversationID: "g1",
		UploaderID:     "U1",
		FileName:       "dot.png",
		Body:           bytes.NewReader(pngBytes),
	})
	require.NoError(t, err)

	alice := s.dial(t, "u1")
	alice.register("u1")
	bob := s.dial(t, "u2")
	bob.register("u2")

	alice.emit(InSendMessage, "", sendPayload{ConversationID: "g1", MessageType: "video", MediaID: blob.ID, TempID: "tmp_m"})
	var msg models.Message
	require.NoError(t, json.Unmarshal(bob.expect(realtime.EventNewMessage), &msg))
	assert.Equal(t, models.MessageImage, msg.Kind)
	require.NotNil(t, msg.Media)
	assert.Equal(t, blob.ID, msg.Media.MediaID)
	assert.Equal(t, "image/png", msg.Media.MimeType)
}

func TestSendFailureReportsTempID(t *testing.T) {
	s := newTestServer(t)
	carol := s.dial(t, "u3")
	carol.register("u3")

	carol.emit(InSendMessage, "", sendPayload{ConversationID: "g1", MessageText: "hi", TempID: "tmp_x"})

	var failed realtime.SendFailed
	require.NoError(t, json.Unmarshal(carol.expect(realtime.EventSendFailed), &failed))
	assert.Equal(t, "tmp_x", failed.TempID)
	assert.Equal(t, "forbidden", failed.Kind)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(carol.expect(realtime.EventError), &body))
	assert.Equal(t, InSendMessage, body.Event)
}

func TestSenderMustBeSessionUser(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "u1")
	alice.register("u1")

	alice.emit(InSendMessage, "s1", sendPayload{ConversationID: "g1", SenderID: "u2", MessageText: "spoof", TempID: "tmp_2"})
	a := alice.ack("s1")
	assert.False(t, a.OK)
	assert.Equal(t, "forbidden", string(a.Error.Kind))
}

func TestTypingRequiresJoinedRoom(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "u1")
	alice.register("u1")
	bob := s.dial(t, "u2")
	bob.register("u2")

	alice.emit(InTyping, "t1", roomPayload{ConversationID: "g1"})
	a := alice.ack("t1")
	assert.False(t, a.OK)
	assert.Equal(t, "forbidden", string(a.Error.Kind))

	bob.emit(InJoinRoom, "j", roomPayload{ConversationID: "g1"})
	require.True(t, bob.ack("j").OK)
	alice.emit(InJoinRoom, "j", roomPayload{ConversationID: "g1"})
	require.True(t, alice.ack("j").OK)

	alice.emit(InTyping, "t2", roomPayload{ConversationID: "g1"})
	require.True(t, alice.ack("t2").OK)
	var typing realtime.Typing
	require.NoError(t, json.Unmarshal(bob.expect(realtime.EventTyping), &typing))
	assert.Equal(t, "U1", typing.SenderID)
	assert.Equal(t, "g1", typing.ConversationID)
}

func TestJoinRoomChecksMembership(t *testing.T) {
	s := newTestServer(t)
	carol := s.dial(t, "u3")
	carol.register("u3")

	carol.emit(InJoinRoom, "j", roomPayload{ConversationID: "g1"})
	a := carol.ack("j")
	assert.False(t, a.OK)
	assert.Equal(t, "forbidden", string(a.Error.Kind))

	carol.emit(InJoinRoom, "j2", roomPayload{ConversationID: "nope"})
	a = carol.ack("j2")
	assert.False(t, a.OK)
	assert.Equal(t, "not_found", string(a.Error.Kind))
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "u1")
	c.register("u1")

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var body ErrorBody
	require.NoError(t, json.Unmarshal(c.expect(realtime.EventError), &body))
	assert.Equal(t, "invalid_request", string(body.Kind))

	c.emit("bogus", "b", map[string]string{})
	a := c.ack("b")
	assert.False(t, a.OK)
	assert.Equal(t, "invalid_request", string(a.Error.Kind))
}

func TestPingPong(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "u1")

	require.NoError(t, c.conn.WriteJSON(Envelope{Event: InPing}))
	c.expect(realtime.EventPong)
}

func TestStartDirectAndMarkRead(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "u1")
	alice.register("u1")
	carol := s.dial(t, "u3")
	carol.register("u3")

	alice.emit(InStartDirect, "d", directPayload{TargetID: "u3"})
	a := alice.ack("d")
	require.True(t, a.OK)
	var started struct {
		Conversation models.Conversation `json:"conversation"`
		Created      bool                `json:"created"`
	}
	require.NoError(t, json.Unmarshal(a.Data.(json.RawMessage), &started))
	assert.True(t, started.Created)
	convID := started.Conversation.ID

	alice.emit(InSendMessage, "", sendPayload{ConversationID: convID, MessageText: "yo", TempID: "tmp_d"})
	var rec models.Reconciled
	require.NoError(t, json.Unmarshal(alice.expect(realtime.EventMessageAck), &rec))

	carol.emit(InMarkRead, "r", receiptPayload{ConversationID: convID, MessageIDs: []int64{rec.MessageID}})
	require.True(t, carol.ack("r").OK)

	// delivered may arrive first; read is the one that settles it.
	for {
		var upd realtime.StatusUpdate
		require.NoError(t, json.Unmarshal(alice.expect(realtime.EventMessageStatusUpdate), &upd))
		assert.Equal(t, rec.MessageID, upd.MessageID)
		if upd.Status == models.StatusRead {
			break
		}
	}
}

func TestShutdownClosesSockets(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "u1")
	c.register("u1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.gw.Shutdown(ctx))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
			return
		}
	}
}
