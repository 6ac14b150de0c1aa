package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/middleware"
)

// Handlers groups everything NewRouter mounts.
type Handlers struct {
	Auth          *AuthHandler
	Users         *UserHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Media         *MediaHandler
	Calls         *CallHandler
	Health        *HealthHandler
	// WebSocket serves the event channel upgrade. It authenticates the
	// token itself since browsers cannot set headers on an upgrade.
	WebSocket gin.HandlerFunc
}

// NewRouter builds the gin engine. Health, signup, login and the socket
// upgrade are public; everything else under /v1 needs a JWT.
func NewRouter(h Handlers, jwtSecret string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(logger), middleware.Recovery(logger))

	r.GET("/v1/health", h.Health.Check)
	r.POST("/v1/auth/signup", h.Auth.Signup)
	r.POST("/v1/auth/login", h.Auth.Login)
	if h.WebSocket != nil {
		r.GET("/v1/ws", h.WebSocket)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtSecret))

	v1.GET("/users/me", h.Users.GetMe)
	v1.GET("/users/:id", h.Users.Get)

	v1.GET("/conversations", h.Conversations.List)
	v1.POST("/conversations/direct", h.Conversations.StartDirect)
	v1.POST("/conversations/group", h.Conversations.CreateGroup)
	v1.GET("/conversations/:id", h.Conversations.Get)
	v1.PATCH("/conversations/:id", h.Conversations.Update)
	v1.DELETE("/conversations/:id", h.Conversations.Delete)
	v1.POST("/conversations/:id/members", h.Conversations.AddMembers)
	v1.DELETE("/conversations/:id/members/:user_id", h.Conversations.RemoveMember)
	v1.POST("/conversations/:id/admins/:user_id", h.Conversations.MakeAdmin)
	v1.DELETE("/conversations/:id/admins/:user_id", h.Conversations.DemoteAdmin)
	v1.POST("/conversations/:id/leave", h.Conversations.Leave)
	v1.PUT("/conversations/:id/mute", h.Conversations.Mute)
	v1.POST("/conversations/:id/hide", h.Conversations.Hide)
	v1.POST("/conversations/:id/read", h.Conversations.MarkRead)

	v1.GET("/conversations/:id/messages", h.Messages.List)
	v1.POST("/conversations/:id/messages", h.Messages.Send)
	v1.GET("/messages/:id", h.Messages.Get)
	v1.PATCH("/messages/:id", h.Messages.Edit)
	v1.DELETE("/messages/:id", h.Messages.Delete)
	v1.POST("/messages/:id/forward", h.Messages.Forward)
	v1.GET("/messages/:id/receipts", h.Messages.Receipts)

	v1.POST("/upload", h.Media.Upload)
	v1.DELETE("/upload/:temp_id", h.Media.CancelUpload)
	v1.GET("/file-download/:media_id", h.Media.Download)

	v1.POST("/calls", h.Calls.Create)
	v1.GET("/calls/:id", h.Calls.Get)
	v1.POST("/calls/:id/accept", h.Calls.Accept)
	v1.POST("/calls/:id/decline", h.Calls.Decline)
	v1.POST("/calls/:id/end", h.Calls.End)

	return r
}
