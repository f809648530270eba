package models

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStreamNotLive is returned when a viewer joins a stream that is not live.
	ErrStreamNotLive = errors.New("stream is not live")
)
