package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown protocol event")
	ErrEmptyEvent   = errors.New("envelope has no event name")
)

// Envelope is the wire frame: an event name plus its raw payload. Payloads
// stay raw until a consumer asks for a concrete type, so the bus can route
// frames without decoding every shape.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event EventName, payload interface{}) (Envelope, error) {
	if !event.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = raw
	}

	return Envelope{Event: event, Data: data}, nil
}

func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	if !env.Event.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into the given struct.
func (e Envelope) Decode(into interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s carries no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
