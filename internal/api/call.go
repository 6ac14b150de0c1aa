package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/calls"
	"github.com/lalith-99/huddle/internal/middleware"
)

type CallHandler struct {
	calls  *calls.Manager
	logger *zap.Logger
}

func NewCallHandler(mgr *calls.Manager, logger *zap.Logger) *CallHandler {
	return &CallHandler{calls: mgr, logger: logger}
}

type createCallRequest struct {
	Title        string   `json:"title" binding:"required"`
	MeetURL      string   `json:"meet_url" binding:"required"`
	Participants []string `json:"participants" binding:"required,min=1"`
}

// Create handles POST /v1/calls. The caller becomes the call admin and
// every participant is rung.
func (h *CallHandler) Create(c *gin.Context) {
	var req createCallRequest
	if !bindJSON(c, &req) {
		return
	}
	call, err := h.calls.Create(c.Request.Context(), calls.CreateRequest{
		AdminID:      middleware.GetUserID(c),
		Title:        req.Title,
		MeetURL:      req.MeetURL,
		Participants: req.Participants,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

// Get handles GET /v1/calls/:id
func (h *CallHandler) Get(c *gin.Context) {
	call, err := h.calls.Get(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// Accept handles POST /v1/calls/:id/accept
func (h *CallHandler) Accept(c *gin.Context) {
	call, err := h.calls.Accept(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// Decline handles POST /v1/calls/:id/decline
func (h *CallHandler) Decline(c *gin.Context) {
	call, err := h.calls.Decline(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// End handles POST /v1/calls/:id/end. Only the call admin may end it.
func (h *CallHandler) End(c *gin.Context) {
	call, err := h.calls.End(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, call)
}
