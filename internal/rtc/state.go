package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

var (
	// ErrInvalidTransition is returned when a state change skips or leaves a terminal state.
	ErrInvalidTransition = errors.New("rtc: invalid session transition")
	// ErrRetriesExhausted marks a session that stayed disconnected past its retry budget.
	ErrRetriesExhausted = errors.New("rtc: reconnect attempts exhausted")
	// ErrSessionClosed is returned by operations that need a live session.
	ErrSessionClosed = errors.New("rtc: session closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed }

var allowed = map[State][]State{
	StateIdle:         {StateNegotiating, StateFailed, StateClosed},
	StateNegotiating:  {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is delivered to observers for every state change, in order.
type Transition struct {
	PeerID string
	From   State
	To     State
	Err    error
}

// Observer receives session transitions. It runs on the session's notifier
// goroutine and may call back into the session.
type Observer func(*Session, Transition)

// targetFor maps a peer connection report onto the state it drives the
// session to. ok is false for reports that carry no transition.
func targetFor(ps webrtc.PeerConnectionState) (to State, ok bool) {
	switch ps {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	default:
		// new, connecting
		return 0, false
	}
}
