package envelope

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// api is the std-compatible sonic configuration: sorted map keys, HTML
// escaping and json.Marshaler support, same output as encoding/json.
var api = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Valid reports whether data is a valid JSON document.
func Valid(data []byte) bool { return api.Valid(data) }

// Decode unmarshals the envelope payload into T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, ErrEmptyPayload
	}
	if err := Unmarshal(e.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Raw encodes v and returns it as a json.RawMessage, for callers that build
// envelopes by hand.
func Raw(v any) (json.RawMessage, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
