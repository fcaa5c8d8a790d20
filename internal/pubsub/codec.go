package pubsub

import (
	"encoding/json"
	"fmt"

	"physiquest-session/internal/domain"
)

// Encode builds the wire frame for an event sent by sender.
func Encode(event string, sender domain.Participant, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, sender, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope wraps a payload value into an envelope.
func NewEnvelope(event string, sender domain.Participant, payload any) (domain.Envelope, error) {
	env := domain.Envelope{Event: event, Sender: sender}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		env.Payload = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return domain.Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode parses a wire frame produced by Encode.
func Decode(data []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return domain.Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// Payload unmarshals the envelope payload into v.
func Payload(env domain.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return nil
}
