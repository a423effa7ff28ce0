package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartplan/internal/models"
	"smartplan/internal/web/middleware"
)

// PutPricesRequest is the body of PUT /api/prices/:date.
type PutPricesRequest struct {
	Prices []float64 `json:"prices"`
	Source string    `json:"source"`
}

// RegisterPriceRoutes serves day price tables. The timezone query parameter selects
// the table and falls back to defaultTimezone.
func RegisterPriceRoutes(r *gin.RouterGroup, middleware *middleware.MiddlewareManager, engine Engine, defaultTimezone string) {
	prices := r.Group("/prices")
	prices.Use(middleware.RequireAuth())
	{
		prices.GET("/:date", func(c *gin.Context) {
			p, err := engine.GetPrices(c, c.Param("date"), c.DefaultQuery("timezone", defaultTimezone))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, p)
		})

		prices.PUT("/:date", func(c *gin.Context) {
			var req PutPricesRequest
			if !bind(c, &req) {
				return
			}
			p, err := engine.PutPrices(c, models.DayPrice{
				Date:     c.Param("date"),
				Timezone: c.DefaultQuery("timezone", defaultTimezone),
				Prices:   req.Prices,
				Source:   req.Source,
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, p)
		})
	}
}
