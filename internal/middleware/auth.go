package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"telecare-signaling/pkg/jwt"
	"telecare-signaling/pkg/response"
)

// BearerAuth requires an Authorization: Bearer header.
// With a nil jwtManager only the presence of a token is checked and no identity
// is set. Otherwise the token must verify and user_id, username and role are
// set in the Gin context for handlers to match against the requested userId.
func BearerAuth(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "Bearer token required")
			c.Abort()
			return
		}

		if jwtManager == nil {
			c.Next()
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.Owner())
		c.Set("username", claims.Name)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
