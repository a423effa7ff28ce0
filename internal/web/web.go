package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"smartplan/internal/metrics"
	"smartplan/internal/web/api"
	"smartplan/internal/web/middleware"
)

// Dependencies are the collaborators of the HTTP surface. Hub and Health are optional.
type Dependencies struct {
	Engine          api.Engine
	Auth            middleware.TokenValidator
	Hub             api.LiveSessions
	Metrics         *metrics.Metrics
	Health          func(ctx context.Context) error
	DefaultTimezone string
	Log             zerolog.Logger
}

type WebServer struct {
	router *gin.Engine
	log    zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
}

func NewWebServer(deps Dependencies) *WebServer {
	router := gin.New()
	middlewareManager := middleware.NewMiddlewareManager(deps.Auth, deps.Metrics, deps.Log)
	router.Use(gin.Recovery(), middlewareManager.RequestLogger(), middlewareManager.Metrics())

	router.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(c, 2*time.Second)
			defer cancel()
			if err := deps.Health(ctx); err != nil {
				_ = c.Error(err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	group := router.Group("/api")
	api.RegisterMobileRoutes(group, middlewareManager, deps.Engine)
	api.RegisterDeviceRoutes(group, middlewareManager, deps.Engine)
	api.RegisterCommandRoutes(group, middlewareManager, deps.Engine)
	api.RegisterRuleRoutes(group, middlewareManager, deps.Engine)
	api.RegisterScheduleRoutes(group, middlewareManager, deps.Engine)
	api.RegisterPriceRoutes(group, middlewareManager, deps.Engine, deps.DefaultTimezone)
	if deps.Hub != nil {
		api.RegisterRealtimeRoutes(group, middlewareManager, deps.Hub, deps.Log)
	}

	return &WebServer{router: router, log: deps.Log}
}

// Handler exposes the router, for tests and the remote access bridge.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves on addr until Shutdown is called.
func (ws *WebServer) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           ws.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ws.mu.Lock()
	ws.srv = srv
	ws.mu.Unlock()

	ws.log.Info().Str("addr", addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.mu.Lock()
	srv := ws.srv
	ws.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
