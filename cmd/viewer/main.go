// Package main joins a channel's live broadcast as a viewer and records
// the received tracks to disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-live/signaling/config"
	"github.com/aura-live/signaling/internal/media"
	"github.com/aura-live/signaling/internal/models"
	"github.com/aura-live/signaling/internal/presence"
	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/streams"
	"github.com/aura-live/signaling/internal/viewer"
	"github.com/aura-live/signaling/internal/viewers"
	"github.com/aura-live/signaling/pkg/database"
	"github.com/aura-live/signaling/pkg/redis"
)

func main() {
	app := &cli.App{
		Name:  "viewer",
		Usage: "watch a channel's live broadcast and record it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "channel", Usage: "channel id to watch", Required: true},
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "first-name", Required: true},
			&cli.StringFlag{Name: "last-name", Required: true},
			&cli.StringFlag{
				Name:  "out",
				Usage: "directory to write received tracks into",
				Value: ".",
			},
			&cli.BoolFlag{Name: "wait", Usage: "wait for the channel to go live instead of failing"},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "how often to check for a live stream with --wait",
				Value: 2 * time.Second,
			},
		},
		Action: watch,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watch(c *cli.Context) error {
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
	if err := os.MkdirAll(c.String("out"), 0o755); err != nil {
		return fmt.Errorf("--out: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	provider, err := rtc.NewPionProvider(cfg.WebRTC.ICEUrls, logger)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	transport := signaling.NewRedisTransport(rdb.Client, logger)
	defer transport.Close()

	streamRepo := streams.NewRepository(pool)
	coord := presence.NewCoordinator(streamRepo, viewers.NewRepository(pool), transport, cfg.Presence.RefreshInterval, logger)

	stream, err := awaitLive(ctx, streamRepo, channelID, c.Bool("wait"), c.Duration("poll"), logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	v, err := coord.RegisterViewer(ctx, stream.ID, models.ViewerIdentity{
		Email:     c.String("email"),
		FirstName: c.String("first-name"),
		LastName:  c.String("last-name"),
	})
	if err != nil {
		return err
	}
	log := logger.With(zap.String("stream_id", stream.ID.String()), zap.String("viewer_id", v.ID.String()))

	ended := make(chan struct{})
	var endOnce sync.Once
	sink := &media.FileSink{Dir: c.String("out"), Logger: logger}
	client := viewer.NewClient(viewer.Options{
		StreamID:  stream.ID.String(),
		ViewerID:  v.ID,
		Transport: transport,
		Provider:  provider,
		Sink:      sink,
		Presence:  coord,
		OnStatus: func(p signaling.StatusPayload) {
			log.Info("stream status", zap.Int("viewer_count", p.ViewerCount), zap.Bool("is_live", p.IsLive))
			if !p.IsLive {
				endOnce.Do(func() { close(ended) })
			}
		},
		MaxCycles: cfg.Viewer.MaxCycles,
		CycleBackoff: rtc.RetryPolicy{
			MaxAttempts: cfg.Viewer.MaxCycles,
			BaseDelay:   cfg.Viewer.CycleBase,
			MaxDelay:    cfg.Viewer.CycleMax,
		},
		Retry: rtc.RetryPolicy{
			MaxAttempts: cfg.Session.ReconnectAttempts,
			BaseDelay:   cfg.Session.ReconnectBase,
			MaxDelay:    cfg.Session.ReconnectMax,
		},
		SubscribeRetry: rtc.RetryPolicy{
			MaxAttempts: cfg.Viewer.SubRetries,
			BaseDelay:   cfg.Viewer.CycleBase,
			MaxDelay:    cfg.Viewer.CycleMax,
		},
		Logger: logger,
	})
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Leave(leaveCtx); err != nil {
			log.Warn("leave", zap.Error(err))
		}
		sink.Wait()
		for _, f := range sink.Files() {
			log.Info("recorded", zap.String("path", f))
		}
	}()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("join broadcast: %w", err)
	}
	log.Info("watching", zap.String("title", stream.Title))

	select {
	case <-ctx.Done():
		return nil
	case <-ended:
		log.Info("the broadcast has ended")
		return nil
	case err := <-client.Errors():
		return err
	}
}

var errNotLive = errors.New("not live")

type liveFinder interface {
	GetLiveByChannel(ctx context.Context, channelID uuid.UUID) (*models.Stream, error)
}

// awaitLive returns the channel's live stream. With wait set it polls
// every interval until the channel goes live or ctx ends.
func awaitLive(ctx context.Context, finder liveFinder, channelID uuid.UUID, wait bool, interval time.Duration, logger *zap.Logger) (*models.Stream, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	announced := false
	for {
		stream, err := finder.GetLiveByChannel(ctx, channelID)
		if err != nil {
			return nil, fmt.Errorf("find live stream: %w", err)
		}
		if stream != nil {
			return stream, nil
		}
		if !wait {
			return nil, fmt.Errorf("channel %s: %w", channelID, errNotLive)
		}
		if !announced {
			logger.Info("waiting for channel to go live", zap.String("channel_id", channelID.String()))
			announced = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
