package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"smartplan/internal/web/middleware"
)

// LiveSessions upgrades a request into a live event stream for a user.
type LiveSessions interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

func RegisterRealtimeRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, hub LiveSessions, log zerolog.Logger) {
	r.GET("/ws", middleware.RequireSocketAuth(), func(c *gin.Context) {
		userID := c.GetString("user_id")
		if err := hub.Serve(c.Writer, c.Request, userID); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("websocket session ended")
		}
	})
}
