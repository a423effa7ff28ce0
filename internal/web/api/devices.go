package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartplan/internal/models"
	"smartplan/internal/web/middleware"
)

const defaultCommandHistory = 50

func RegisterDeviceRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, engine Engine) {
	devices := r.Group("/devices")
	devices.Use(middleware.RequireAuth())
	{
		devices.GET("", func(c *gin.Context) {
			devices, err := engine.ListDevices(c, c.GetString("user_id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, list(devices))
		})

		devices.GET("/:id", func(c *gin.Context) {
			device, err := engine.GetDevice(c, c.GetString("user_id"), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, device)
		})

		devices.GET("/:id/state", func(c *gin.Context) {
			state, err := engine.DeviceState(c, c.GetString("user_id"), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, state)
		})

		devices.POST("/:id/command", func(c *gin.Context) {
			var req models.CreateCommandRequest
			if !bind(c, &req) {
				return
			}
			cmd, err := engine.SubmitCommand(c, c.GetString("user_id"), c.Param("id"), req)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusCreated, cmd)
		})

		devices.GET("/:id/commands", func(c *gin.Context) {
			limit, ok := queryInt(c, "limit", defaultCommandHistory)
			if !ok {
				return
			}
			cmds, err := engine.DeviceCommands(c, c.GetString("user_id"), c.Param("id"), limit)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, list(cmds))
		})
	}
}

func RegisterCommandRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, engine Engine) {
	commands := r.Group("/commands")
	commands.Use(middleware.RequireAuth())
	{
		commands.GET("/:id", func(c *gin.Context) {
			cmd, err := engine.GetCommand(c, c.GetString("user_id"), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, cmd)
		})

		commands.POST("/:id/retry", func(c *gin.Context) {
			cmd, err := engine.RetryCommand(c, c.GetString("user_id"), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, cmd)
		})
	}
}
