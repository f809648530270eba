package models

import (
	"time"

	"github.com/google/uuid"
)

// Stream is one broadcast on a channel. A channel has at most one live stream.
type Stream struct {
	ID          uuid.UUID  `json:"id"`
	ChannelID   uuid.UUID  `json:"channel_id"`
	Title       string     `json:"title"`
	IsLive      bool       `json:"is_live"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ViewerCount int        `json:"viewer_count"`
	CreatedAt   time.Time  `json:"created_at"`
}
