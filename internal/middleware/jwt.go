package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/auth"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/response"
)

const (
	// ContextSubject is the key for the token subject in gin context.
	ContextSubject = "token_subject"
	// ContextRole is the key for the token role in gin context.
	ContextRole = "token_role"
	// ContextSessionID is the key for the session a token is scoped to.
	ContextSessionID = "token_session_id"
)

// BearerToken returns the token from the Authorization header, or from the
// token query parameter for websocket clients that cannot set headers.
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// JWT returns a middleware that validates a relay token and sets its claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			response.Unauthorized(c, "missing token")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextSessionID, claims.SessionID)
		c.Next()
	}
}
