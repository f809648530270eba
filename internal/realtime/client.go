package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Role is the side a WebSocket client plays on a stream.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// MaySend reports whether the role may publish kind.
func (r Role) MaySend(kind signaling.Kind) bool {
	switch r {
	case RoleViewer:
		return kind == signaling.KindOffer || kind == signaling.KindRemoteCandidate
	case RoleBroadcaster:
		return kind == signaling.KindAnswer || kind == signaling.KindLocalCandidate
	}
	return false
}

// Client is one WebSocket connection attached to a stream.
type Client struct {
	ID       string
	StreamID string
	PeerID   string
	Role     Role
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger

	closeOnce sync.Once
}

// wants reports whether a topic message should be written to this client.
func (c *Client) wants(msg signaling.Message) bool {
	switch msg.Kind {
	case signaling.KindStatusUpdate:
		return true
	case signaling.KindOffer, signaling.KindRemoteCandidate:
		return c.Role == RoleBroadcaster
	case signaling.KindAnswer, signaling.KindLocalCandidate:
		return c.Role == RoleViewer && msg.PeerID == c.PeerID
	}
	return false
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ServeWs upgrades the request and relays signaling envelopes between the
// socket and the stream topic. Query: stream_id, role, and for viewers an
// optional peer_id (generated when absent and announced in the handshake
// response header X-Peer-Id).
func ServeWs(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamIDStr := c.Query("stream_id")
		if streamIDStr == "" {
			response.BadRequest(c, "stream_id required")
			return
		}
		streamID, err := uuid.Parse(streamIDStr)
		if err != nil {
			response.BadRequest(c, "invalid stream_id")
			return
		}
		role := Role(c.DefaultQuery("role", string(RoleViewer)))
		if role != RoleViewer && role != RoleBroadcaster {
			response.BadRequest(c, "role must be viewer or broadcaster")
			return
		}
		peerID := c.Query("peer_id")
		if role == RoleViewer && peerID == "" {
			peerID = uuid.New().String()
		}

		client := &Client{
			ID:       uuid.New().String(),
			StreamID: streamID.String(),
			PeerID:   peerID,
			Role:     role,
			hub:      hub,
			send:     make(chan []byte, 256),
			logger:   logger.With(zap.String("stream_id", streamID.String()), zap.String("peer_id", peerID)),
		}
		if err := hub.Register(c.Request.Context(), client); err != nil {
			logger.Warn("relay unavailable", zap.Error(err))
			response.ServiceUnavailable(c, "signaling relay unavailable")
			return
		}

		header := http.Header{}
		if peerID != "" {
			header.Set("X-Peer-Id", peerID)
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, header)
		if err != nil {
			hub.Unregister(client)
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client.conn = conn
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		// viewers always speak for themselves
		if c.Role == RoleViewer {
			msg.PeerID = c.PeerID
		}
		if err := msg.Validate(); err != nil {
			c.logger.Debug("dropping invalid frame", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = c.hub.Publish(ctx, c, msg)
		cancel()
		if err != nil {
			c.logger.Debug("frame not relayed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
