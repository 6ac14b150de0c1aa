package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/middleware"
	"github.com/lalith-99/huddle/internal/models"
)

type MessageHandler struct {
	msgs   *messaging.Service
	logger *zap.Logger
}

func NewMessageHandler(msgs *messaging.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{msgs: msgs, logger: logger}
}

type sendMessageRequest struct {
	MessageText string `json:"message_text" binding:"required"`
	TempID      string `json:"temp_id"`
	ReplyTo     *int64 `json:"reply_to"`
}

type editMessageRequest struct {
	NewText string `json:"new_text" binding:"required"`
}

type forwardRequest struct {
	TargetConversationID string `json:"target_conversation_id" binding:"required"`
	TempID               string `json:"temp_id"`
}

// Send handles POST /v1/conversations/:id/messages
//
// Text only; media goes through /v1/upload. A retry with the same temp_id
// returns the original message with 200 instead of 201.
func (h *MessageHandler) Send(c *gin.Context) {
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.msgs.Send(c.Request.Context(), messaging.SendRequest{
		ConversationID: c.Param("id"),
		SenderID:       middleware.GetUserID(c),
		Kind:           models.MessageText,
		Text:           req.MessageText,
		TempID:         req.TempID,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res.Message)
}

// List handles GET /v1/conversations/:id/messages
//
// Two modes:
//   - ?before_seq=… or ?before=<RFC3339>&limit=… pages backwards, newest first.
//   - ?after_seq=…&limit=… resyncs forwards, oldest first.
func (h *MessageHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	convID := c.Param("id")

	limit := 0
	if l := c.Query("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			badRequest(c, "invalid 'limit' parameter")
			return
		}
	}

	if _, ok := c.GetQuery("after_seq"); ok {
		after, ok := queryInt64(c, "after_seq")
		if !ok {
			return
		}
		msgs, err := h.msgs.FetchSince(ctx, userID, convID, after, limit)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
		return
	}

	beforeSeq, ok := queryInt64(c, "before_seq")
	if !ok {
		return
	}
	var before time.Time
	if b := c.Query("before"); b != "" {
		var err error
		before, err = time.Parse(time.RFC3339Nano, b)
		if err != nil {
			badRequest(c, "invalid 'before' parameter")
			return
		}
	}

	msgs, err := h.msgs.Fetch(ctx, messaging.FetchRequest{
		ConversationID: convID,
		Actor:          userID,
		BeforeSeq:      beforeSeq,
		BeforeTime:     before,
		Limit:          limit,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Get handles GET /v1/messages/:id
func (h *MessageHandler) Get(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	msg, err := h.msgs.Get(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Edit handles PATCH /v1/messages/:id
func (h *MessageHandler) Edit(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var req editMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.msgs.Edit(c.Request.Context(), middleware.GetUserID(c), id, req.NewText)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Delete handles DELETE /v1/messages/:id. The message stays as a tombstone.
func (h *MessageHandler) Delete(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	msg, err := h.msgs.Delete(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Forward handles POST /v1/messages/:id/forward
func (h *MessageHandler) Forward(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var req forwardRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.msgs.Forward(c.Request.Context(), middleware.GetUserID(c), id, req.TargetConversationID, req.TempID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res.Message)
}

// Receipts handles GET /v1/messages/:id/receipts. Only the sender may
// look.
func (h *MessageHandler) Receipts(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	receipts, err := h.msgs.Receipts(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}
