package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAuth sets user_id from the bearer token in the Authorization header.
func (m *MiddlewareManager) RequireAuth() gin.HandlerFunc {
	return m.authenticate(false)
}

// RequireSocketAuth is RequireAuth for the websocket handshake. Browsers cannot set
// headers there, so the token may also come in the token query parameter.
func (m *MiddlewareManager) RequireSocketAuth() gin.HandlerFunc {
	return m.authenticate(true)
}

func (m *MiddlewareManager) authenticate(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		userID, err := m.auth.ValidateToken(token)
		if err != nil {
			m.log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set("user_id", userID)

		c.Next()
	}
}
