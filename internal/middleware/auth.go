package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/huddle/internal/auth"
	"github.com/lalith-99/huddle/internal/models"
)

// Context keys for storing claims in gin.Context.
const (
	ContextKeyUserID  = "user_id"
	ContextKeyEmail   = "email"
	ContextKeyIsAdmin = "is_admin"
)

// AuthMiddleware validates the session token and stores its claims on the
// request context.
//
// The token comes from "Authorization: Bearer <token>". Browsers cannot
// set headers on a websocket upgrade, so a "token" query parameter is
// accepted as a fallback.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, msg := TokenFromRequest(c.Request)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": msg,
				"kind":  "not_authenticated",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"kind":  "not_authenticated",
			})
			return
		}

		c.Set(ContextKeyUserID, models.NormalizeUserID(claims.UserID))
		c.Set(ContextKeyEmail, claims.Email)
		c.Set(ContextKeyIsAdmin, claims.IsAdmin)
		c.Next()
	}
}

// TokenFromRequest extracts the raw token. When none is found the second
// value explains why.
func TokenFromRequest(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", "invalid authorization format, expected: Bearer <token>"
		}
		return strings.TrimSpace(parts[1]), ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization header"
}

func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func GetEmail(c *gin.Context) string {
	return c.GetString(ContextKeyEmail)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyIsAdmin)
}
