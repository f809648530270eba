package models

import (
	"time"

	"github.com/google/uuid"
)

// Viewer is one presence record of a person watching a stream. It is
// present while LeftAt is nil.
type Viewer struct {
	ID            uuid.UUID  `json:"id"`
	StreamID      uuid.UUID  `json:"stream_id"`
	Email         string     `json:"email"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	WatchDuration *int       `json:"watch_duration,omitempty"`
}

// Present reports whether the viewer has not left yet.
func (v *Viewer) Present() bool {
	return v.LeftAt == nil
}

// ViewerIdentity is what a viewer supplies to join a stream.
type ViewerIdentity struct {
	Email     string `json:"email" binding:"required,email"`
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
}
