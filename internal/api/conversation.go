package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/conversation"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/middleware"
)

// ConversationHandler exposes conversation lifecycle and group
// administration. Every mutation goes through the same service the
// websocket intents use, so both surfaces emit identical events.
type ConversationHandler struct {
	convs  *conversation.Service
	msgs   *messaging.Service
	logger *zap.Logger
}

func NewConversationHandler(convs *conversation.Service, msgs *messaging.Service, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{convs: convs, msgs: msgs, logger: logger}
}

type startDirectRequest struct {
	TargetID string `json:"target_id" binding:"required"`
}

type createGroupRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

type membersRequest struct {
	Members []string `json:"members" binding:"required,min=1"`
}

type updateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IconMediaID *string `json:"icon_media_id"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type hideRequest struct {
	Hidden *bool `json:"hidden"`
}

type readRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

// List handles GET /v1/conversations?include_hidden=true
func (h *ConversationHandler) List(c *gin.Context) {
	list, err := h.convs.List(c.Request.Context(), middleware.GetUserID(c), c.Query("include_hidden") == "true")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// Get handles GET /v1/conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.convs.Get(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// StartDirect handles POST /v1/conversations/direct
//
// Idempotent: 201 when the pair's conversation was created, 200 when it
// already existed.
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	var req startDirectRequest
	if !bindJSON(c, &req) {
		return
	}
	conv, created, err := h.convs.StartDirect(c.Request.Context(), middleware.GetUserID(c), req.TargetID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

// CreateGroup handles POST /v1/conversations/group
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if !bindJSON(c, &req) {
		return
	}
	conv, err := h.convs.CreateGroup(c.Request.Context(), conversation.CreateGroupRequest{
		Creator:     middleware.GetUserID(c),
		Name:        req.Name,
		Description: req.Description,
		Members:     req.Members,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// Update handles PATCH /v1/conversations/:id. Only the fields present in
// the body change.
func (h *ConversationHandler) Update(c *gin.Context) {
	var req updateRequest
	if !bindJSON(c, &req) {
		return
	}
	conv, err := h.convs.UpdateDetails(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), conversation.DetailsUpdate{
		Name:        req.Name,
		Description: req.Description,
		IconMediaID: req.IconMediaID,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Delete handles DELETE /v1/conversations/:id
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.convs.DeleteGroup(c.Request.Context(), middleware.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddMembers handles POST /v1/conversations/:id/members
func (h *ConversationHandler) AddMembers(c *gin.Context) {
	var req membersRequest
	if !bindJSON(c, &req) {
		return
	}
	conv, added, err := h.convs.AddMembers(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), req.Members)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "added": added})
}

// RemoveMember handles DELETE /v1/conversations/:id/members/:user_id
func (h *ConversationHandler) RemoveMember(c *gin.Context) {
	conv, removed, err := h.convs.RemoveMembers(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), []string{c.Param("user_id")})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "removed": removed})
}

// MakeAdmin handles POST /v1/conversations/:id/admins/:user_id
func (h *ConversationHandler) MakeAdmin(c *gin.Context) {
	conv, err := h.convs.MakeAdmin(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), c.Param("user_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DemoteAdmin handles DELETE /v1/conversations/:id/admins/:user_id
func (h *ConversationHandler) DemoteAdmin(c *gin.Context) {
	conv, err := h.convs.DemoteAdmin(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), c.Param("user_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Leave handles POST /v1/conversations/:id/leave
func (h *ConversationHandler) Leave(c *gin.Context) {
	if _, err := h.convs.Leave(c.Request.Context(), middleware.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Mute handles PUT /v1/conversations/:id/mute. An empty body mutes.
func (h *ConversationHandler) Mute(c *gin.Context) {
	var req muteRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	flags, err := h.convs.Mute(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), req.Muted == nil || *req.Muted)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, flags)
}

// Hide handles POST /v1/conversations/:id/hide. An empty body hides.
func (h *ConversationHandler) Hide(c *gin.Context) {
	var req hideRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	flags, err := h.convs.SetHidden(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), req.Hidden == nil || *req.Hidden)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, flags)
}

// MarkRead handles POST /v1/conversations/:id/read. Without message_ids
// everything unread is marked.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	var req readRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	changes, err := h.msgs.MarkRead(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), req.MessageIDs)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}
