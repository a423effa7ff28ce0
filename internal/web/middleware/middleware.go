package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smartplan/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// TokenValidator resolves a bearer token to the user id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type MiddlewareManager struct {
	auth    TokenValidator
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewMiddlewareManager(auth TokenValidator, m *metrics.Metrics, log zerolog.Logger) *MiddlewareManager {
	return &MiddlewareManager{
		auth:    auth,
		metrics: m,
		log:     log,
	}
}

// RequestLogger tags every request with an id and logs it once it completes.
func (m *MiddlewareManager) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = m.log.Error()
		case status >= 400:
			ev = m.log.Warn()
		default:
			ev = m.log.Info()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("error", c.Errors.String())
		}
		ev.Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("user_id", c.GetString("user_id")).
			Msg("request")
	}
}

// Metrics records every request under its route template.
func (m *MiddlewareManager) Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.metrics.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
