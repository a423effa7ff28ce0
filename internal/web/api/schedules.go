package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartplan/internal/models"
	"smartplan/internal/web/middleware"
)

func RegisterScheduleRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, engine Engine) {
	schedules := r.Group("/schedules")
	schedules.Use(middleware.RequireAuth())
	{
		schedules.GET("", func(c *gin.Context) {
			userID := c.GetString("user_id")
			var (
				out []models.Schedule
				err error
			)
			if date := c.Query("date"); date != "" {
				out, err = engine.ListSchedules(c, userID, date)
			} else {
				out, err = engine.TodaySchedules(c, userID)
			}
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, list(out))
		})

		schedules.GET("/today", func(c *gin.Context) {
			out, err := engine.TodaySchedules(c, c.GetString("user_id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, list(out))
		})

		schedules.POST("/rebuild", func(c *gin.Context) {
			var req models.RebuildRequest
			if c.Request.ContentLength > 0 && !bind(c, &req) {
				return
			}
			n, err := engine.RebuildSchedules(c, c.GetString("user_id"), req.Date)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": n})
		})

		schedules.POST("/evaluate", func(c *gin.Context) {
			var req models.EvaluateRequest
			if !bind(c, &req) {
				return
			}
			eval, err := engine.EvaluateSchedule(c, c.GetString("user_id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, eval)
		})
	}
}
