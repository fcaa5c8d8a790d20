package pubsub

import (
	"encoding/json"
	"fmt"

	"physiquest-session/internal/domain"
)

// Relay frame types exchanged with the WebSocket relay.
const (
	FrameEvent    = "event"
	FramePresence = "presence"
	FrameError    = "error"
)

// Frame is the unit on a relay connection. Payload is an Envelope for event
// frames, a member list for presence frames and an ErrorPayload for errors.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeFrame marshals a typed relay frame.
func EncodeFrame(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	return json.Marshal(Frame{Type: typ, Payload: raw})
}

// DecodeFrame parses a relay frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// FrameEnvelope extracts the envelope of an event frame.
func FrameEnvelope(f Frame) (domain.Envelope, error) {
	return Decode(f.Payload)
}

// FrameMembers extracts the member list of a presence frame.
func FrameMembers(f Frame) ([]domain.Participant, error) {
	var members []domain.Participant
	if err := json.Unmarshal(f.Payload, &members); err != nil {
		return nil, fmt.Errorf("decode presence frame: %w", err)
	}
	return members, nil
}
