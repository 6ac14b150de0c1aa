// Package ws is the client event channel: one websocket per client
// session, JSON envelopes in both directions.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/auth"
	"github.com/lalith-99/huddle/internal/calls"
	"github.com/lalith-99/huddle/internal/conversation"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/media"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/middleware"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
)

// requestTimeout bounds the work done for a single inbound event.
const requestTimeout = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Any origin; the upgrade itself carries the bearer token.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Deps struct {
	Hub           *realtime.Hub
	Presence      *realtime.Presence
	Typing        *realtime.TypingTracker
	Registry      *identity.Registry
	Messages      *messaging.Service
	Conversations *conversation.Service
	Media         *media.Service
	Calls         *calls.Manager
}

type Gateway struct {
	Deps
	secret string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGateway(deps Deps, secret string, logger *zap.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		Deps:   deps,
		secret: secret,
		logger: logger.Named("ws"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeWS authenticates the upgrade request and starts the pumps. The
// token comes from the Authorization header or ?token=.
func (g *Gateway) ServeWS(c *gin.Context) {
	token, msg := middleware.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg, "kind": "not_authenticated"})
		return
	}
	claims, err := auth.ParseToken(token, g.secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token", "kind": "not_authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		gw:      g,
		conn:    conn,
		userID:  models.NormalizeUserID(claims.UserID),
		isAdmin: claims.IsAdmin,
	}
	cl.session = g.Hub.Attach(cl.userID)
	g.logger.Info("client connected", zap.String("session_id", cl.session.ID), zap.String("user_id", cl.userID))

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		cl.writePump()
	}()
	go func() {
		defer g.wg.Done()
		cl.readPump()
	}()
}

// Shutdown detaches every session, which closes their queues and makes
// the write pumps send a close frame, then waits for the pumps to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	g.Hub.Close()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
