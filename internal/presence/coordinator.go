// Package presence keeps the persisted live flag and viewer count of a
// stream in step with what actually happens, and broadcasts the count to
// every endpoint on the stream's topic.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/models"
	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/telemetry"
)

var (
	ErrStreamNotLive = models.ErrStreamNotLive
	ErrNotFound      = models.ErrNotFound
)

const (
	// DefaultRefreshInterval is how often Run recounts present viewers.
	DefaultRefreshInterval = 5 * time.Second
	refreshTimeout         = 5 * time.Second
)

// StreamStore persists streams.
type StreamStore interface {
	StartLive(ctx context.Context, channelID uuid.UUID, title string) (*models.Stream, error)
	End(ctx context.Context, streamID uuid.UUID) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error
}

// ViewerStore persists viewer presence.
type ViewerStore interface {
	Register(ctx context.Context, streamID uuid.UUID, id models.ViewerIdentity) (*models.Viewer, error)
	MarkLeft(ctx context.Context, viewerID uuid.UUID) (uuid.UUID, bool, error)
	CountPresent(ctx context.Context, streamID uuid.UUID) (int, error)
}

// Coordinator owns the stream live flag and viewer presence. Counts are
// always computed from the store.
type Coordinator struct {
	streams   StreamStore
	viewers   ViewerStore
	transport signaling.Transport
	interval  time.Duration
	logger    *zap.Logger
}

// NewCoordinator creates a coordinator. A non-positive interval selects
// DefaultRefreshInterval.
func NewCoordinator(streams StreamStore, viewers ViewerStore, transport signaling.Transport, interval time.Duration, logger *zap.Logger) *Coordinator {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{streams: streams, viewers: viewers, transport: transport, interval: interval, logger: logger}
}

// StartBroadcast marks a new stream live on the channel with a zero count.
func (c *Coordinator) StartBroadcast(ctx context.Context, channelID uuid.UUID, title string) (*models.Stream, error) {
	s, err := c.streams.StartLive(ctx, channelID, title)
	if err != nil {
		return nil, fmt.Errorf("start broadcast: %w", err)
	}
	c.logger.Info("broadcast started", zap.String("stream_id", s.ID.String()), zap.String("channel_id", channelID.String()))
	return s, nil
}

// StopBroadcast ends the stream, marks every present viewer left and tells
// viewers the stream is over. Stopping an ended stream is a no-op apart
// from the final status message.
func (c *Coordinator) StopBroadcast(ctx context.Context, streamID uuid.UUID) error {
	ended, err := c.streams.End(ctx, streamID)
	if err != nil {
		return fmt.Errorf("stop broadcast: %w", err)
	}
	if ended {
		c.logger.Info("broadcast stopped", zap.String("stream_id", streamID.String()))
	}
	telemetry.ForgetStream(streamID.String())
	return c.publishStatus(ctx, streamID, signaling.StatusPayload{ViewerCount: 0, IsLive: false})
}

// RegisterViewer records a viewer joining a live stream. Registering the
// same email twice while present returns the existing record.
func (c *Coordinator) RegisterViewer(ctx context.Context, streamID uuid.UUID, id models.ViewerIdentity) (*models.Viewer, error) {
	v, err := c.viewers.Register(ctx, streamID, id)
	if err != nil {
		return nil, fmt.Errorf("register viewer: %w", err)
	}
	c.logger.Info("viewer joined", zap.String("stream_id", streamID.String()), zap.String("viewer_id", v.ID.String()))
	c.refreshAsync(streamID)
	return v, nil
}

// ViewerLeft marks the viewer as left. A second call is a no-op.
func (c *Coordinator) ViewerLeft(ctx context.Context, viewerID uuid.UUID) error {
	streamID, changed, err := c.viewers.MarkLeft(ctx, viewerID)
	if err != nil {
		return fmt.Errorf("viewer left: %w", err)
	}
	if !changed {
		return nil
	}
	c.logger.Info("viewer left", zap.String("stream_id", streamID.String()), zap.String("viewer_id", viewerID.String()))
	c.refreshAsync(streamID)
	return nil
}

// Refresh recounts present viewers, persists the count on a live stream
// and publishes a status update.
func (c *Coordinator) Refresh(ctx context.Context, streamID uuid.UUID) error {
	s, err := c.streams.GetByID(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load stream: %w", err)
	}
	if s == nil {
		return fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	if !s.IsLive {
		return c.publishStatus(ctx, streamID, signaling.StatusPayload{ViewerCount: 0, IsLive: false})
	}
	n, err := c.viewers.CountPresent(ctx, streamID)
	if err != nil {
		return fmt.Errorf("count viewers: %w", err)
	}
	if err := c.streams.UpdateViewerCount(ctx, streamID, n); err != nil {
		return fmt.Errorf("persist viewer count: %w", err)
	}
	telemetry.PresentViewers(streamID.String(), n)
	return c.publishStatus(ctx, streamID, signaling.StatusPayload{ViewerCount: n, IsLive: true})
}

// Run refreshes the stream on every tick until ctx is done. Failures are
// logged and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context, streamID uuid.UUID) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	log := c.logger.With(zap.String("stream_id", streamID.String()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx, streamID); err != nil {
				if ctx.Err() != nil {
					return
				}
				telemetry.RefreshFailed()
				log.Warn("presence refresh failed", zap.Error(err))
			}
		}
	}
}

// ObserveTransition returns a session observer that refreshes the stream
// when a peer connects or closes. The refresh runs off the caller's
// goroutine.
func (c *Coordinator) ObserveTransition(streamID uuid.UUID) rtc.Observer {
	return func(_ *rtc.Session, t rtc.Transition) {
		if t.To == rtc.StateConnected || t.To == rtc.StateClosed {
			c.refreshAsync(streamID)
		}
	}
}

func (c *Coordinator) refreshAsync(streamID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := c.Refresh(ctx, streamID); err != nil && !errors.Is(err, ErrNotFound) {
			telemetry.RefreshFailed()
			c.logger.Warn("presence refresh failed", zap.String("stream_id", streamID.String()), zap.Error(err))
		}
	}()
}

func (c *Coordinator) publishStatus(ctx context.Context, streamID uuid.UUID, p signaling.StatusPayload) error {
	if c.transport == nil {
		return nil
	}
	msg, err := signaling.NewMessage(signaling.KindStatusUpdate, "", 0, p)
	if err != nil {
		return err
	}
	err = c.transport.Publish(ctx, signaling.Topic(streamID.String()), msg)
	telemetry.Message("out", string(signaling.KindStatusUpdate), err)
	if err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
