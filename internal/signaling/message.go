package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a signaling message. Candidate kinds are named from the
// broadcaster's side of the topic.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	// KindLocalCandidate carries a candidate gathered by the broadcaster
	// for the viewer named in PeerID.
	KindLocalCandidate Kind = "local_candidate"
	// KindRemoteCandidate carries a candidate gathered by the viewer named
	// in PeerID for the broadcaster.
	KindRemoteCandidate Kind = "remote_candidate"
	KindStatusUpdate    Kind = "status_update"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindLocalCandidate, KindRemoteCandidate, KindStatusUpdate:
		return true
	}
	return false
}

// Message is the envelope published on a stream topic.
type Message struct {
	Kind    Kind            `json:"kind"`
	PeerID  string          `json:"peer_id,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sent_at"`
}

// StatusPayload is the body of a status_update message.
type StatusPayload struct {
	ViewerCount int  `json:"viewer_count"`
	IsLive      bool `json:"is_live"`
}

// NewMessage builds a message with payload marshalled to JSON.
func NewMessage(kind Kind, peerID string, attempt int, payload any) (Message, error) {
	msg := Message{Kind: kind, PeerID: peerID, Attempt: attempt, SentAt: time.Now().Unix()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Validate rejects unknown kinds and peer-addressed kinds without a peer.
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.Kind != KindStatusUpdate && m.PeerID == "" {
		return fmt.Errorf("%s message without peer_id", m.Kind)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes and validates a wire envelope.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
