package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a broadcaster's channel. IsLive mirrors whether it currently
// has a live stream.
type Channel struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsLive      bool      `json:"is_live"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
