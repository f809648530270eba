// Package main runs the signaling server: HTTP API, WebSocket relay
// gateway and metrics, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-live/signaling/config"
	"github.com/aura-live/signaling/internal/api"
	"github.com/aura-live/signaling/internal/channels"
	"github.com/aura-live/signaling/internal/middleware"
	"github.com/aura-live/signaling/internal/presence"
	"github.com/aura-live/signaling/internal/realtime"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/streams"
	"github.com/aura-live/signaling/internal/telemetry"
	"github.com/aura-live/signaling/internal/viewers"
	"github.com/aura-live/signaling/pkg/database"
	"github.com/aura-live/signaling/pkg/redis"
	"github.com/aura-live/signaling/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	hostname, _ := os.Hostname()
	telemetry.Init(hostname)

	transport := signaling.NewRedisTransport(rdb.Client, logger)
	defer transport.Close()

	streamRepo := streams.NewRepository(pool)
	viewerRepo := viewers.NewRepository(pool)
	channelRepo := channels.NewRepository(pool)
	coord := presence.NewCoordinator(streamRepo, viewerRepo, transport, cfg.Presence.RefreshInterval, logger)

	apiHandler := api.NewHandler(coord, channelRepo, streamRepo, viewerRepo, logger)
	defer apiHandler.Close()

	hub := realtime.NewHub(transport, logger)
	hub.SetDetachHandler(apiHandler.ClientDetached, cfg.Presence.BroadcasterGrace)
	defer hub.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	router.GET("/health", func(c *gin.Context) {
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "signaling relay unreachable")
			return
		}
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unreachable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	apiHandler.Register(router)

	// WebSocket relay for browser endpoints
	router.GET("/ws", realtime.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
