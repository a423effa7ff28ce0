package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pion/mdns/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"smartplan/auth"
	"smartplan/internal/bridge"
	"smartplan/internal/config"
	"smartplan/internal/db"
	"smartplan/internal/engine"
	"smartplan/internal/logging"
	"smartplan/internal/metrics"
	"smartplan/internal/models"
	"smartplan/internal/mqtt"
	"smartplan/internal/notify"
	"smartplan/internal/optimizer"
	"smartplan/internal/realtime"
	"smartplan/internal/redis"
	"smartplan/internal/scheduler"
	"smartplan/internal/taskqueue"
	"smartplan/internal/web"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := models.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scheduler timezone")
	}

	dbConn, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	defer dbConn.Close()
	if err := dbConn.Migrate(ctx, logging.Component(log, "migrate")); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate DB")
	}

	redisClient := redis.NewRedisClient(cfg.Redis.Addr)
	defer redisClient.Close()

	hub := realtime.NewHub(logging.Component(log, "realtime"))
	defer hub.Close()
	notifiers := notify.Multi{hub}

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.NewMQTTClient(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MQTT")
		}
		defer mqttClient.Disconnect(250)
		notifiers = append(notifiers, mqtt.NewPublisher(mqttClient, cfg.MQTT.TopicPrefix))
	}

	tieBreak, err := optimizer.ParseTieBreak(cfg.Scheduler.TieBreak)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scheduler.tie_break")
	}

	m := metrics.New()

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})
	defer queue.Close()

	eng := engine.NewEngine(dbConn.Store(), taskqueue.NewClient(queue, logging.Component(log, "taskqueue")), engine.Options{
		Cache:    redis.NewStateCache(redisClient),
		Liveness: redis.NewLiveness(redisClient),
		Notifier: notifiers,
		Metrics:  m,
		Location: loc,
		TieBreak: tieBreak,
	}, log)

	worker := taskqueue.NewWorker(cfg.Redis.Addr, cfg.Worker.Concurrency, eng, logging.Component(log, "worker"))
	if err := worker.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start workers")
	}
	defer worker.Shutdown()

	sched := scheduler.NewScheduler(loc, logging.Component(log, "scheduler"))
	for _, job := range eng.Jobs(cfg.Scheduler.RebuildCron, cfg.Scheduler.ExpiryCron, cfg.Scheduler.CompleteCron) {
		if err := sched.AddOrUpdateJob(job.Name, job.Spec, job.Run); err != nil {
			log.Fatal().Err(err).Str("job", job.Name).Msg("Failed to schedule job")
		}
	}
	sched.Start()
	defer sched.Stop()

	webServer := web.NewWebServer(web.Dependencies{
		Engine:          eng,
		Auth:            auth.NewVerifier(cfg.JWT.Secret),
		Hub:             hub,
		Metrics:         m,
		Health:          func(ctx context.Context) error { return dbConn.Pool().Ping(ctx) },
		DefaultTimezone: cfg.Scheduler.Timezone,
		Log:             logging.Component(log, "http"),
	})
	go func() {
		if err := webServer.Start(fmt.Sprintf(":%d", cfg.App.Port)); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	if cfg.MDNS.Enabled {
		if conn := startMDNSServer(cfg.MDNS.LocalName, log); conn != nil {
			defer conn.Close()
		}
	}

	// Start remote access bridge if enabled
	if cfg.RemoteAccess.Enabled {
		agent := bridge.NewAgent(bridge.Config{
			PublicWS:   cfg.RemoteAccess.PublicWS,
			ServerID:   cfg.App.AgentID,
			RetryDelay: cfg.RemoteAccess.RetryDelay(),
		}, webServer.Handler(), logging.Component(log, "bridge"))
		go agent.Run(ctx)
	} else {
		log.Info().Msg("Remote access bridge is disabled")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown")
	}
}

func startMDNSServer(localName string, log zerolog.Logger) *mdns.Conn {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve UDP4 address for mDNS")
		return nil
	}

	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve UDP6 address for mDNS")
		return nil
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to listen on UDP4 for mDNS")
		return nil
	}

	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to listen on UDP6 for mDNS")
		l4.Close()
		return nil
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to start mDNS server")
		return nil
	}
	log.Info().Str("name", localName).Msg("mDNS responder started")
	return conn
}
