package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/calls"
	"github.com/lalith-99/huddle/internal/conversation"
	"github.com/lalith-99/huddle/internal/dedup"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/media"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository"
	"github.com/lalith-99/huddle/internal/repository/memory"
	"github.com/lalith-99/huddle/internal/serial"
)

const testSecret = "api-test-secret"

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testAPI struct {
	router *gin.Engine
	hub    *realtime.Hub
	blobs  *memory.MediaStore
	checks map[string]repository.Pinger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewRealClock()
	logger := zap.NewNop()

	db := memory.NewDB(clock)
	users := memory.NewUserStore(db)
	convs := memory.NewConversationStore(db)
	messages := memory.NewMessageStore(db)
	blobs := memory.NewMediaStore(db)

	locks := serial.NewKeyedMutex()
	reg := identity.NewRegistry(users, convs, identity.Options{Clock: clock}, logger)
	hub := realtime.NewHub(64, realtime.NewPresence(nil, clock, logger), logger)
	msgs := messaging.NewService(convs, messages, blobs, reg, locks, dedup.NewLRU(100, time.Minute), hub,
		messaging.Options{PageLimit: 50, MaxPageLimit: 100, Clock: clock}, logger)
	conv := conversation.NewService(convs, blobs, reg, locks, msgs, hub, clock, logger)
	store, err := media.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	med := media.NewService(blobs, store, media.NewPolicy([]string{"image/*", "text/plain"}), reg, hub,
		media.Options{MaxBytes: 1 << 16, Clock: clock}, logger)
	mgr := calls.NewManager(reg, hub, clock, time.Minute, logger)
	t.Cleanup(mgr.Close)

	checks := map[string]repository.Pinger{"storage": db}
	router := NewRouter(Handlers{
		Auth:          NewAuthHandler(users, testSecret, time.Hour, logger),
		Users:         NewUserHandler(reg, logger),
		Conversations: NewConversationHandler(conv, msgs, logger),
		Messages:      NewMessageHandler(msgs, logger),
		Media:         NewMediaHandler(med, msgs, 1<<16, logger),
		Calls:         NewCallHandler(mgr, logger),
		Health:        NewHealthHandler(checks, logger),
	}, testSecret, logger)
	return &testAPI{router: router, hub: hub, blobs: blobs, checks: checks}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// signup registers a user and returns its token.
func (a *testAPI) signup(t *testing.T, userID, name string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{
		"email": userID + "@example.com", "password": "correct horse", "display_name": name, "user_id": userID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[authResponse](t, w).Token
}

type multipartField struct {
	name, value string
}

func uploadRequest(t *testing.T, token string, fields []multipartField, fileName string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		require.NoError(t, mw.WriteField(f.name, f.value))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSignupLoginAndMe(t *testing.T) {
	a := newTestAPI(t)
	token := a.signup(t, "e100", "Alice")

	w := a.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{
		"email": "E100@example.com", "password": "another pass", "display_name": "Dup",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "e100@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "nobody@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "e100@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "E100", decodeBody[authResponse](t, w).UserID)

	w = a.do(t, http.MethodGet, "/v1/users/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decodeBody[models.User](t, w)
	assert.Equal(t, "E100", me.ID)
	assert.Equal(t, "Alice", me.DisplayName)
	assert.NotContains(t, w.Body.String(), "password")

	w = a.do(t, http.MethodGet, "/v1/users/nobody", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"not_found"`)

	w = a.do(t, http.MethodGet, "/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignupValidation(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{"email": "not-an-email", "password": "x", "display_name": "X"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"invalid_request"`)
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	ben := a.signup(t, "b1", "Ben")
	a.signup(t, "c1", "Cat")

	w := a.do(t, http.MethodPost, "/v1/conversations/group", ann, gin.H{"name": "crew", "members": []string{"b1"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	group := decodeBody[models.Conversation](t, w)
	base := "/v1/conversations/" + group.ID

	w = a.do(t, http.MethodPost, base+"/members", ben, gin.H{"members": []string{"c1"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, base+"/members", ann, gin.H{"members": []string{"c1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"added":["C1"]`)

	w = a.do(t, http.MethodPatch, base, ann, gin.H{"name": "Crew"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Crew", decodeBody[models.Conversation](t, w).Name)

	w = a.do(t, http.MethodPost, base+"/admins/b1", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodDelete, base+"/members/c1", ben, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, base+"/messages", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody[struct {
		Messages []models.Message `json:"messages"`
	}](t, w)
	require.NotEmpty(t, page.Messages)
	assert.Equal(t, "Ben removed Cat", page.Messages[0].Text)
	assert.Equal(t, models.MessageSystem, page.Messages[0].Kind)

	w = a.do(t, http.MethodPut, base+"/mute", ben, gin.H{"muted": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[models.Flags](t, w).Muted)

	w = a.do(t, http.MethodDelete, base, ann, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do(t, http.MethodGet, base, ann, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDirectMessagingOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	ben := a.signup(t, "b1", "Ben")

	w := a.do(t, http.MethodPost, "/v1/conversations/direct", ann, gin.H{"target_id": "b1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	conv := decodeBody[models.Conversation](t, w)
	w = a.do(t, http.MethodPost, "/v1/conversations/direct", ben, gin.H{"target_id": "a1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, conv.ID, decodeBody[models.Conversation](t, w).ID)

	base := "/v1/conversations/" + conv.ID
	w = a.do(t, http.MethodPost, base+"/messages", ann, gin.H{"message_text": "hi ben", "temp_id": "tmp_h1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := decodeBody[models.Message](t, w)

	w = a.do(t, http.MethodPost, base+"/messages", ann, gin.H{"message_text": "hi ben", "temp_id": "tmp_h1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sent.ID, decodeBody[models.Message](t, w).ID)

	w = a.do(t, http.MethodGet, "/v1/conversations", ben, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}](t, w)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 1, list.Conversations[0].UnreadCount)

	w = a.do(t, http.MethodPost, base+"/read", ben, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/v1/messages/"+itoa(sent.ID)+"/receipts", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"read"`)
	w = a.do(t, http.MethodGet, "/v1/messages/"+itoa(sent.ID)+"/receipts", ben, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPatch, "/v1/messages/"+itoa(sent.ID), ann, gin.H{"new_text": "hi Ben"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decodeBody[models.Message](t, w).EditedAt)

	w = a.do(t, http.MethodGet, base+"/messages?after_seq=0", ben, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hi Ben")

	w = a.do(t, http.MethodGet, base+"/messages?limit=zero", ben, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodGet, "/v1/messages/abc", ben, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadSendsMediaMessage(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	a.signup(t, "b1", "Ben")
	w := a.do(t, http.MethodPost, "/v1/conversations/direct", ann, gin.H{"target_id": "b1"})
	require.Equal(t, http.StatusCreated, w.Code)
	conv := decodeBody[models.Conversation](t, w)

	req := uploadRequest(t, ann, []multipartField{
		{"conversation_id", conv.ID}, {"sender_id", "a1"}, {"temp_id", "tmp_up"},
	}, "dot.png", pngBytes)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	up := decodeBody[uploadResponse](t, w)
	assert.Equal(t, "image/png", up.MimeType)
	assert.Equal(t, "dot.png", up.FileName)
	assert.Equal(t, "tmp_up", up.TempID)
	assert.NotZero(t, up.MessageID)
	require.NotEmpty(t, up.MediaID)

	w = a.do(t, http.MethodGet, "/v1/messages/"+itoa(up.MessageID), ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msg := decodeBody[models.Message](t, w)
	assert.Equal(t, models.MessageImage, msg.Kind)
	require.NotNil(t, msg.Media)
	assert.Equal(t, up.MediaID, msg.Media.MediaID)

	w = a.do(t, http.MethodGet, "/v1/file-download/"+up.MediaID, ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="dot.png"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, pngBytes, w.Body.Bytes())
}

func TestUploadRetryReusesSentMedia(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	a.signup(t, "b1", "Ben")
	w := a.do(t, http.MethodPost, "/v1/conversations/direct", ann, gin.H{"target_id": "b1"})
	require.Equal(t, http.StatusCreated, w.Code)
	conv := decodeBody[models.Conversation](t, w)

	fields := []multipartField{{"conversation_id", conv.ID}, {"temp_id", "tmp_retry"}}
	upload := func() uploadResponse {
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, uploadRequest(t, ann, fields, "dot.png", pngBytes))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		return decodeBody[uploadResponse](t, w)
	}
	first := upload()
	retry := upload()

	assert.Equal(t, first.MessageID, retry.MessageID)
	assert.Equal(t, first.MediaID, retry.MediaID)
	assert.Equal(t, "dot.png", retry.FileName)
	assert.Equal(t, "image/png", retry.MimeType)

	w = a.do(t, http.MethodGet, "/v1/messages/"+itoa(first.MessageID), ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msg := decodeBody[models.Message](t, w)
	require.NotNil(t, msg.Media)
	assert.Equal(t, first.MediaID, msg.Media.MediaID)

	assert.Equal(t, 1, a.blobs.Count(), "the retried bytes must not leave a second blob")

	w = a.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody[struct {
		Messages []models.Message `json:"messages"`
	}](t, w)
	assert.Len(t, page.Messages, 1)
}

func TestUploadRejections(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	a.signup(t, "b1", "Ben")
	cat := a.signup(t, "c1", "Cat")
	w := a.do(t, http.MethodPost, "/v1/conversations/direct", ann, gin.H{"target_id": "b1"})
	require.Equal(t, http.StatusCreated, w.Code)
	conv := decodeBody[models.Conversation](t, w)

	cases := []struct {
		name    string
		token   string
		fields  []multipartField
		file    string
		content []byte
		status  int
		kind    string
	}{
		{"no file", ann, []multipartField{{"conversation_id", conv.ID}}, "", nil, http.StatusBadRequest, "invalid_request"},
		{"file before conversation", ann, nil, "a.png", pngBytes, http.StatusBadRequest, "invalid_request"},
		{"spoofed sender", ann, []multipartField{{"conversation_id", conv.ID}, {"sender_id", "b1"}}, "a.png", pngBytes, http.StatusForbidden, "forbidden"},
		{"not a member", cat, []multipartField{{"conversation_id", conv.ID}}, "a.png", pngBytes, http.StatusForbidden, "forbidden"},
		{"disallowed type", ann, []multipartField{{"conversation_id", conv.ID}}, "a.zip", []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00"), http.StatusUnsupportedMediaType, "unsupported_media"},
		{"too large", ann, []multipartField{{"conversation_id", conv.ID}}, "big.txt", bytes.Repeat([]byte("a"), 1<<17), http.StatusRequestEntityTooLarge, "payload_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			a.router.ServeHTTP(w, uploadRequest(t, tc.token, tc.fields, tc.file, tc.content))
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"kind":"`+tc.kind+`"`)
		})
	}

	w = a.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"messages":[]`)
}

func TestUploadWithoutSend(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	a.signup(t, "b1", "Ben")
	w := a.do(t, http.MethodPost, "/v1/conversations/group", ann, gin.H{"name": "crew", "members": []string{"b1"}})
	require.Equal(t, http.StatusCreated, w.Code)
	group := decodeBody[models.Conversation](t, w)

	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, uploadRequest(t, ann, []multipartField{
		{"conversation_id", group.ID}, {"send", "false"},
	}, "icon.png", pngBytes))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	up := decodeBody[uploadResponse](t, w)
	assert.Zero(t, up.MessageID)

	w = a.do(t, http.MethodPatch, "/v1/conversations/"+group.ID, ann, gin.H{"icon_media_id": up.MediaID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, up.MediaID, decodeBody[models.Conversation](t, w).IconMediaID)
}

func TestCancelUnknownUpload(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	w := a.do(t, http.MethodDelete, "/v1/upload/tmp_nothing", ann, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallsOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	ann := a.signup(t, "a1", "Ann")
	ben := a.signup(t, "b1", "Ben")

	w := a.do(t, http.MethodPost, "/v1/calls", ann, gin.H{"title": "standup", "meet_url": "https://meet.example.com/x", "participants": []string{"b1"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	call := decodeBody[models.Call](t, w)

	w = a.do(t, http.MethodPost, "/v1/calls/"+call.ID+"/accept", ben, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/calls/"+call.ID+"/end", ben, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/calls/"+call.ID+"/end", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decodeBody[models.Call](t, w).EndedAt)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"storage":"ok"}}`, w.Body.String())

	a.checks["redis"] = failingPinger{}
	w = a.do(t, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"storage":"ok","redis":"unreachable"}}`, w.Body.String())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
