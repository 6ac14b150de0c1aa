package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/middleware"
)

// UserHandler serves the read side of the user directory.
type UserHandler struct {
	registry *identity.Registry
	logger   *zap.Logger
}

func NewUserHandler(registry *identity.Registry, logger *zap.Logger) *UserHandler {
	return &UserHandler{registry: registry, logger: logger}
}

// GetMe handles GET /v1/users/me
//
// A token whose user has since vanished from the directory gets a 404
// rather than a 500.
func (h *UserHandler) GetMe(c *gin.Context) {
	user, err := h.registry.User(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Get handles GET /v1/users/:id. Clients use it to resolve display names.
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.registry.User(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
