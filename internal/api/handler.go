// Package api exposes channel, stream and viewer presence endpoints.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/models"
	"github.com/aura-live/signaling/internal/realtime"
	"github.com/aura-live/signaling/pkg/response"
)

const detachTimeout = 10 * time.Second

// Presence is the subset of presence.Coordinator the handlers drive.
type Presence interface {
	StartBroadcast(ctx context.Context, channelID uuid.UUID, title string) (*models.Stream, error)
	StopBroadcast(ctx context.Context, streamID uuid.UUID) error
	RegisterViewer(ctx context.Context, streamID uuid.UUID, id models.ViewerIdentity) (*models.Viewer, error)
	ViewerLeft(ctx context.Context, viewerID uuid.UUID) error
	Run(ctx context.Context, streamID uuid.UUID)
}

// Channels reads and creates channels.
type Channels interface {
	Create(ctx context.Context, name string, description *string) (*models.Channel, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error)
}

// Streams reads streams.
type Streams interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	GetLiveByChannel(ctx context.Context, channelID uuid.UUID) (*models.Stream, error)
}

// Viewers reads viewer presence.
type Viewers interface {
	ListPresent(ctx context.Context, streamID uuid.UUID) ([]*models.Viewer, error)
}

// CreateChannelRequest is the body for POST /channels.
type CreateChannelRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
}

// StartStreamRequest is the body for POST /channels/:id/streams.
type StartStreamRequest struct {
	Title string `json:"title" binding:"required"`
}

// Handler serves the HTTP API. Streams started through it get a presence
// refresh loop that runs until they are stopped or Close is called.
type Handler struct {
	presence Presence
	channels Channels
	streams  Streams
	viewers  Viewers
	logger   *zap.Logger

	mu         sync.Mutex
	base       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	refreshers map[uuid.UUID]context.CancelFunc
}

// NewHandler creates the API handler.
func NewHandler(presence Presence, channels Channels, streams Streams, viewers Viewers, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		presence:   presence,
		channels:   channels,
		streams:    streams,
		viewers:    viewers,
		logger:     logger,
		base:       base,
		cancel:     cancel,
		refreshers: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/channels", h.CreateChannel)
	r.GET("/channels/:id", h.GetChannel)
	r.GET("/channels/:id/live", h.GetLiveStream)
	r.POST("/channels/:id/streams", h.StartStream)
	r.GET("/streams/:id", h.GetStream)
	r.POST("/streams/:id/stop", h.StopStream)
	r.GET("/streams/:id/viewers", h.ListViewers)
	r.POST("/streams/:id/viewers", h.JoinStream)
	r.POST("/viewers/:id/leave", h.LeaveStream)
}

// Close stops every refresh loop started by StartStream.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// CreateChannel handles POST /channels.
func (h *Handler) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ch, err := h.channels.Create(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		h.logger.Error("create channel", zap.Error(err))
		response.Internal(c, "failed to create channel")
		return
	}
	response.Created(c, ch)
}

// GetChannel handles GET /channels/:id.
func (h *Handler) GetChannel(c *gin.Context) {
	id, ok := parseID(c, "channel")
	if !ok {
		return
	}
	ch, err := h.channels.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "channel")
		return
	}
	if ch == nil {
		response.NotFound(c, "channel not found")
		return
	}
	response.OK(c, ch)
}

// GetLiveStream handles GET /channels/:id/live. Viewers use it to find the
// stream to join.
func (h *Handler) GetLiveStream(c *gin.Context) {
	id, ok := parseID(c, "channel")
	if !ok {
		return
	}
	s, err := h.streams.GetLiveByChannel(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "stream")
		return
	}
	if s == nil {
		response.NotFound(c, "channel is not live")
		return
	}
	response.OK(c, s)
}

// StartStream handles POST /channels/:id/streams.
func (h *Handler) StartStream(c *gin.Context) {
	channelID, ok := parseID(c, "channel")
	if !ok {
		return
	}
	var req StartStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, err := h.presence.StartBroadcast(c.Request.Context(), channelID, req.Title)
	if err != nil {
		h.fail(c, err, "channel")
		return
	}
	h.watch(s.ID)
	response.Created(c, s)
}

// StopStream handles POST /streams/:id/stop.
func (h *Handler) StopStream(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}
	h.unwatch(id)
	if err := h.presence.StopBroadcast(c.Request.Context(), id); err != nil {
		h.fail(c, err, "stream")
		return
	}
	response.NoContent(c)
}

// GetStream handles GET /streams/:id.
func (h *Handler) GetStream(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}
	s, err := h.streams.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "stream")
		return
	}
	if s == nil {
		response.NotFound(c, "stream not found")
		return
	}
	response.OK(c, s)
}

// ListViewers handles GET /streams/:id/viewers.
func (h *Handler) ListViewers(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}
	list, err := h.viewers.ListPresent(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "stream")
		return
	}
	if list == nil {
		list = []*models.Viewer{}
	}
	response.OK(c, list)
}

// JoinStream handles POST /streams/:id/viewers.
func (h *Handler) JoinStream(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}
	var req models.ViewerIdentity
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	v, err := h.presence.RegisterViewer(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err, "stream")
		return
	}
	response.Created(c, v)
}

// LeaveStream handles POST /viewers/:id/leave. Leaving twice is fine.
func (h *Handler) LeaveStream(c *gin.Context) {
	id, ok := parseID(c, "viewer")
	if !ok {
		return
	}
	if err := h.presence.ViewerLeft(c.Request.Context(), id); err != nil {
		h.fail(c, err, "viewer")
		return
	}
	response.NoContent(c)
}

// ClientDetached turns a relay socket drop into a presence change. A
// broadcaster that stayed away past the relay's grace period ends its
// stream; a viewer whose peer id is a viewer record is marked as left.
func (h *Handler) ClientDetached(role realtime.Role, streamID, peerID string) {
	ctx, cancel := context.WithTimeout(h.base, detachTimeout)
	defer cancel()
	log := h.logger.With(zap.String("stream_id", streamID), zap.String("peer_id", peerID))

	switch role {
	case realtime.RoleBroadcaster:
		id, err := uuid.Parse(streamID)
		if err != nil {
			return
		}
		h.unwatch(id)
		if err := h.presence.StopBroadcast(ctx, id); err != nil {
			log.Warn("stop broadcast after disconnect", zap.Error(err))
			return
		}
		log.Info("broadcaster disconnected, stream ended")
	case realtime.RoleViewer:
		id, err := uuid.Parse(peerID)
		if err != nil {
			// not a viewer id
			return
		}
		if err := h.presence.ViewerLeft(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			log.Warn("viewer left after disconnect", zap.Error(err))
		}
	}
}

func (h *Handler) watch(streamID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.base.Err() != nil {
		return
	}
	if _, ok := h.refreshers[streamID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(h.base)
	h.refreshers[streamID] = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.presence.Run(ctx, streamID)
	}()
}

func (h *Handler) unwatch(streamID uuid.UUID) {
	h.mu.Lock()
	cancel, ok := h.refreshers[streamID]
	delete(h.refreshers, streamID)
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

func (h *Handler) fail(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		response.NotFound(c, what+" not found")
	case errors.Is(err, models.ErrStreamNotLive):
		response.Conflict(c, "stream is not live")
	case errors.Is(err, context.Canceled):
		response.ServiceUnavailable(c, "request cancelled")
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}

func parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}
