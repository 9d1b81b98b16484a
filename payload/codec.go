// Package payload provides integration event serialization.
//
// Events are encoded with field names so the body is readable by consumers
// written in any language. JSON is the default; MessagePack is registered as
// a compact alternative. Both honor `json` struct tags, so an event encodes
// the same field names under either codec.
//
// Codecs are looked up by the content type carried on each message, which lets
// a consumer decode messages from producers that chose a different codec.
package payload

import (
	"errors"
	"fmt"
)

// ErrUnknownContentType is returned when no codec is registered for a content type.
var ErrUnknownContentType = errors.New("unknown content type")

// Codec encodes/decodes event payload data.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes to the target, which must be a pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g., "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}

// DecodeAs decodes data with the codec registered for contentType. An empty
// content type selects the default codec.
func DecodeAs(contentType string, data []byte, v any) error {
	c := Default()
	if contentType != "" {
		var ok bool
		c, ok = Get(contentType)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
		}
	}
	return c.Decode(data, v)
}
