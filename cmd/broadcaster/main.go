// Package main publishes a file-backed broadcast to a channel: it marks a
// stream live, answers every viewer's offer with a direct peer connection
// and keeps the viewer count fresh until interrupted.
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-live/signaling/config"
	"github.com/aura-live/signaling/internal/broadcaster"
	"github.com/aura-live/signaling/internal/media"
	"github.com/aura-live/signaling/internal/presence"
	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/streams"
	"github.com/aura-live/signaling/internal/telemetry"
	"github.com/aura-live/signaling/internal/viewers"
	"github.com/aura-live/signaling/pkg/database"
	"github.com/aura-live/signaling/pkg/redis"
)

func main() {
	app := &cli.App{
		Name:  "broadcaster",
		Usage: "broadcast an IVF/Ogg file pair to every viewer of a channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "channel",
				Usage:    "channel id to go live on",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "title",
				Usage: "stream title",
				Value: "Live",
			},
			&cli.StringFlag{
				Name:  "video",
				Usage: "an ivf file (VP8, VP9 or AV1) to loop as the video track",
			},
			&cli.StringFlag{
				Name:  "audio",
				Usage: "an ogg file (Opus) to loop as the audio track",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address, e.g. :9090",
			},
		},
		Action: broadcast,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func broadcast(c *cli.Context) error {
	logger := newLogger()
	defer logger.Sync()

	channelID, err := uuid.Parse(c.String("channel"))
	if err != nil {
		return fmt.Errorf("--channel: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := media.OpenFileSource(c.String("video"), c.String("audio"), logger)
	if err != nil {
		return err
	}
	defer source.Close()
	provider, err := rtc.NewPionProvider(cfg.WebRTC.ICEUrls, logger)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	hostname, _ := os.Hostname()
	telemetry.Init(hostname)

	transport := signaling.NewRedisTransport(rdb.Client, logger)
	defer transport.Close()
	coord := presence.NewCoordinator(streams.NewRepository(pool), viewers.NewRepository(pool), transport, cfg.Presence.RefreshInterval, logger)

	stream, err := coord.StartBroadcast(ctx, channelID, c.String("title"))
	if err != nil {
		return err
	}
	log := logger.With(zap.String("stream_id", stream.ID.String()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.StopBroadcast(stopCtx, stream.ID); err != nil {
			log.Warn("stop broadcast", zap.Error(err))
		}
	}()

	mgr := broadcaster.NewManager(broadcaster.Options{
		StreamID:  stream.ID.String(),
		Transport: transport,
		Provider:  provider,
		Source:    source,
		Retry: rtc.RetryPolicy{
			MaxAttempts: cfg.Session.ReconnectAttempts,
			BaseDelay:   cfg.Session.ReconnectBase,
			MaxDelay:    cfg.Session.ReconnectMax,
		},
		Observer: coord.ObserveTransition(stream.ID),
		Logger:   logger,
	})
	defer mgr.Stop()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	source.Start(ctx)
	log.Info("broadcast live", zap.String("channel_id", channelID.String()), zap.String("title", stream.Title))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coord.Run(gctx, stream.ID)
		return nil
	})
	if addr := c.String("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	err = g.Wait()
	log.Info("broadcast ending", zap.Int("peers", len(mgr.Peers())))
	return err
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
