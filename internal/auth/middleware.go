package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/covenant/internal/logging"
)

// ContextKeyCaller is the gin context key holding the proven caller address.
const ContextKeyCaller = "authCaller"

// Middleware verifies a bearer token if one is present and stores the
// caller address in the context. Requests without a token pass through;
// RequireAuth rejects them on protected routes.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw != "" {
			if caller, err := m.Verify(raw); err == nil {
				c.Set(ContextKeyCaller, caller)
				ctx := logging.WithPrincipal(c.Request.Context(), caller)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that carry no verified caller.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Caller(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the verified caller address, or "" when unauthenticated.
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyCaller)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
