package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/auth"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

// AuthHandler handles signup and login, the only public endpoints besides
// health. They don't go through AuthMiddleware because the caller has no
// token yet.
type AuthHandler struct {
	userRepo  repository.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewAuthHandler(userRepo repository.UserRepository, jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

type signupRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required"`
	// UserID lets the directory keep ids issued elsewhere (employee codes).
	// A uuid is generated when it is empty.
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// authResponse is what both signup and login return. The client sends the
// token as "Authorization: Bearer <token>" on HTTP calls and as ?token= on
// the websocket upgrade.
type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Signup handles POST /v1/auth/signup
//
// Flow:
//  1. Validate input
//  2. Reject a taken email
//  3. Hash the password with bcrypt
//  4. Create the user
//  5. Issue a JWT
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	email := strings.ToLower(strings.TrimSpace(req.Email))

	existing, err := h.userRepo.GetByEmail(ctx, email)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered", "kind": apperr.Conflict})
		return
	}

	// bcrypt salts each hash itself; DefaultCost keeps login around 100ms.
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	userID := models.NormalizeUserID(req.UserID)
	if userID == "" {
		userID = models.NormalizeUserID(uuid.NewString())
	}
	user, err := h.userRepo.Create(ctx, &models.User{
		ID:           userID,
		Email:        email,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		IsAdmin:      req.IsAdmin,
		PasswordHash: string(hash),
	})
	if errors.Is(err, repository.ErrDuplicate) {
		c.JSON(http.StatusConflict, gin.H{"error": "user already exists", "kind": apperr.Conflict})
		return
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Email, user.IsAdmin, h.jwtSecret, h.tokenTTL)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.logger.Info("user signed up", zap.String("user_id", user.ID))
	c.JSON(http.StatusCreated, authResponse{Token: token, UserID: user.ID})
}

// Login handles POST /v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.userRepo.GetByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	// Same answer for an unknown email and a wrong password, so the
	// endpoint can't be used to discover which emails are registered.
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password", "kind": apperr.NotAuthenticated})
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Email, user.IsAdmin, h.jwtSecret, h.tokenTTL)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, authResponse{Token: token, UserID: user.ID})
}
