package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Envelope is one frame on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v as the data of a frame of the given type. A nil v
// produces a frame without data.
func NewEnvelope(eventType string, v any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the frame data into v and validates struct tags.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}
