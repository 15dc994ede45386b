// Package codec frames and unframes typed packets on the wire.
//
// A Value is an arbitrarily nested structure built from strings, float64
// numbers, booleans, nil, []Value sequences, map[string]Value mappings, and
// opaque []byte leaves. The chosen text framing (JSON) cannot natively carry
// []byte, so Encode recursively rewrites every byte-string leaf into a
// single-key mapping {"__bytes__": base64(leaf)} before marshaling, and
// Decode reverses the transform on the way back out.
package codec

import (
	"encoding/base64"
	"encoding/json"
)

// Tag identifies the kind of frame carried on the wire.
type Tag string

// Tag values, as fixed by the wire protocol.
const (
	TagHello  Tag = "HELLO"
	TagPEX    Tag = "PEX"
	TagOnion  Tag = "ONION_MSG"
	TagChunk  Tag = "FILE_CHUNK"
	TagDirect Tag = "DIRECT"
)

// Value is a legal codec payload: string, float64, bool, nil, []byte,
// []Value, or map[string]Value.
type Value = any

const bytesKey = "__bytes__"

type wireFrame struct {
	Type    Tag  `json:"type"`
	Payload Value `json:"payload"`
}

// Encode serializes tag and value into a self-describing byte stream.
func Encode(tag Tag, value Value) ([]byte, error) {
	return json.Marshal(wireFrame{Type: tag, Payload: toWire(value)})
}

// Decode parses bytes produced by Encode. On any malformed input it returns
// ok=false; callers must treat that as "drop the frame", never a fault.
func Decode(data []byte) (tag Tag, value Value, ok bool) {
	var raw struct {
		Type    Tag             `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, false
	}
	var payload any
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return "", nil, false
		}
	}
	return raw.Type, fromWire(payload), true
}

// toWire recursively rewrites []byte leaves into {"__bytes__": base64} maps
// so the result marshals cleanly through encoding/json.
func toWire(v Value) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{bytesKey: base64.StdEncoding.EncodeToString(t)}
	case map[string]Value:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toWire(val)
		}
		return out
	case []Value:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toWire(val)
		}
		return out
	default:
		return v
	}
}

// fromWire recursively restores {"__bytes__": base64} maps back into []byte.
func fromWire(v any) Value {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if b64, ok := t[bytesKey].(string); ok {
				if raw, err := base64.StdEncoding.DecodeString(b64); err == nil {
					return raw
				}
			}
		}
		out := make(map[string]Value, len(t))
		for k, val := range t {
			out[k] = fromWire(val)
		}
		return out
	case []any:
		out := make([]Value, len(t))
		for i, val := range t {
			out[i] = fromWire(val)
		}
		return out
	default:
		return v
	}
}
