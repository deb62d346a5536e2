// Package wire encodes and decodes signaling frames.
//
// A frame is a UTF-8 text message of the form
//
//	<type>\n\n<json payload>
//
// The type selects a handler; the payload is opaque to the codec.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Separator divides the frame type from its payload.
const Separator = "\n\n"

var (
	ErrInvalidType    = errors.New("wire: invalid message type")
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

var separator = []byte(Separator)

// Envelope is a decoded frame. Payload is kept undecoded so that the handler
// for Type can pick its own shape.
type Envelope struct {
	Type    string
	Payload json.RawMessage
}

// Encode serializes payload as JSON and prefixes it with typ.
func Encode(typ string, payload any) ([]byte, error) {
	if err := validateType(typ); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %q payload: %w", typ, err)
	}
	return EncodeRaw(typ, body)
}

// EncodeRaw prefixes an already encoded JSON payload with typ. The payload
// bytes are copied as-is.
func EncodeRaw(typ string, payload []byte) ([]byte, error) {
	if err := validateType(typ); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(typ)+len(separator)+len(payload))
	frame = append(frame, typ...)
	frame = append(frame, separator...)
	frame = append(frame, payload...)
	return frame, nil
}

// Decode splits frame at the first separator. The payload is not validated as
// JSON; an empty payload decodes as JSON null.
func Decode(frame []byte) (Envelope, error) {
	typ, payload, ok := bytes.Cut(frame, separator)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing separator", ErrMalformedFrame)
	}
	if len(typ) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrMalformedFrame)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("null")
	}
	return Envelope{Type: string(typ), Payload: json.RawMessage(payload)}, nil
}

func validateType(typ string) error {
	if typ == "" {
		return fmt.Errorf("%w: empty", ErrInvalidType)
	}
	if bytes.Contains([]byte(typ), separator) {
		return fmt.Errorf("%w: %q contains separator", ErrInvalidType, typ)
	}
	return nil
}
