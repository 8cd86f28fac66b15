// README: Firebase ID-token auth middleware and caller accessors.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/infra"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"

	RoleAdmin  = "admin"
	RoleDriver = "driver"
	RoleUser   = "user"
)

// Auth verifies the bearer token and stores the caller's uid and role claim.
// Websocket clients that cannot set headers may pass ?access_token= instead.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		role := RoleUser
		if v, ok := token.Claims["role"].(string); ok && v != "" {
			role = v
		}
		c.Set(ctxCallerUID, token.UID)
		c.Set(ctxCallerRole, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return ""
		}
		return strings.TrimSpace(h[len(prefix):])
	}
	return c.Query("access_token")
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

// CallerRole defaults to "user" when the token carries no role claim.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}

func IsAdmin(c *gin.Context) bool {
	return CallerRole(c) == RoleAdmin
}

// RequireRole lets admins through along with the listed roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		if role == RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
