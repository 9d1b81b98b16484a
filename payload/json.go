package payload

import (
	"bytes"
	"encoding/json"
	"errors"
)

// JSON implements Codec using UTF-8 JSON.
// This is the default codec.
type JSON struct {
	// Strict rejects bodies containing fields the target type does not declare.
	Strict bool
}

func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode rejects empty bodies and trailing data after the first JSON value.
func (c JSON) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if c.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func (JSON) ContentType() string {
	return "application/json"
}

// Compile-time check.
var _ Codec = JSON{}
