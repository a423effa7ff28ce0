// Command relay is the public endpoint of the remote access bridge. Home servers
// connect to /agent; mobile clients send API requests with X-Server-ID.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"smartplan/internal/bridge"
	"smartplan/internal/logging"
)

func main() {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("relay")
	v.AutomaticEnv()
	v.SetDefault("port", 5069)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	log := logging.Component(logging.NewLogger(v.GetString("log_level"), v.GetString("log_format")), "relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := bridge.NewRelay(v.GetDuration("timeout"), log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", v.GetInt("port")),
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("Public server running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("relay stopped")
		stop()
		os.Exit(1)
	}
}
