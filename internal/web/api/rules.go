package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartplan/internal/models"
	"smartplan/internal/web/middleware"
)

func RegisterRuleRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, engine Engine) {
	rules := r.Group("/rules")
	rules.Use(middleware.RequireAuth())
	{
		rules.GET("", func(c *gin.Context) {
			all, err := engine.ListRules(c, c.GetString("user_id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, list(all))
		})

		rules.POST("", func(c *gin.Context) {
			var req models.CreateRuleRequest
			if !bind(c, &req) {
				return
			}
			rule, err := engine.CreateRule(c, c.GetString("user_id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusCreated, rule)
		})

		// Preview computes a schedule without storing it.
		rules.POST("/preview", func(c *gin.Context) {
			var req models.PreviewScheduleRequest
			if !bind(c, &req) {
				return
			}
			res, err := engine.PreviewSchedule(c, c.GetString("user_id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
		})

		rules.GET("/:id", func(c *gin.Context) {
			rule, err := engine.GetRule(c, c.GetString("user_id"), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, rule)
		})

		rules.PUT("/:id", func(c *gin.Context) {
			var req models.UpdateRuleRequest
			if !bind(c, &req) {
				return
			}
			rule, err := engine.UpdateRule(c, c.GetString("user_id"), c.Param("id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, rule)
		})

		rules.DELETE("/:id", func(c *gin.Context) {
			if err := engine.DeleteRule(c, c.GetString("user_id"), c.Param("id")); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "Rule deleted successfully"})
		})
	}
}
