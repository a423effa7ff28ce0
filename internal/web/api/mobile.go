package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartplan/internal/models"
	"smartplan/internal/web/middleware"
)

// RegisterMobileRoutes serves the mobile client: state sync, command polling and
// command results.
func RegisterMobileRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, engine Engine) {
	mobile := r.Group("/mobile")
	mobile.Use(middleware.RequireAuth())
	{
		mobile.POST("/sync", func(c *gin.Context) {
			var req models.SyncRequest
			if !bind(c, &req) {
				return
			}
			summary, err := engine.SyncBatch(c, c.GetString("user_id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, summary)
		})

		mobile.POST("/heartbeat", func(c *gin.Context) {
			var req models.HeartbeatRequest
			if !bind(c, &req) {
				return
			}
			resp, err := engine.Heartbeat(c, c.GetString("user_id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			resp.PendingCommands = list(resp.PendingCommands)
			c.JSON(http.StatusOK, resp)
		})

		mobile.POST("/command_result", func(c *gin.Context) {
			var req models.CommandResult
			if !bind(c, &req) {
				return
			}
			cmd, err := engine.ReportCommandResult(c, c.GetString("user_id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, cmd)
		})
	}
}
