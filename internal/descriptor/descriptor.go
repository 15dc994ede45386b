// Package descriptor defines the Peer Descriptor record and the checked
// projection from a codec.Value into it ("late binding of
// payload schema").
package descriptor

import (
	"fmt"

	"github.com/vesperio/onionmesh/internal/codec"
)

// PeerDescriptor identifies one peer: its relay listening address and its
// pinned long-term public key. The pubkey bound to a given Identity() is
// immutable for the life of the pinning file.
type PeerDescriptor struct {
	Host   string
	Port   int
	PubKey []byte // PEM-encoded RSA public key
}

// Identity returns the peer table key "host:port".
func (d PeerDescriptor) Identity() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ToValue projects the descriptor into a codec.Value for framing.
func (d PeerDescriptor) ToValue() codec.Value {
	return map[string]codec.Value{
		"host":    d.Host,
		"port":    float64(d.Port),
		"pub_key": []byte(d.PubKey),
	}
}

// FromValue performs a checked projection of a codec.Value into a
// PeerDescriptor, failing closed (ok=false) on any shape mismatch rather
// than panicking — the exit-side and discovery-side handlers drop anything
// that doesn't parse.
func FromValue(v codec.Value) (PeerDescriptor, bool) {
	m, ok := v.(map[string]codec.Value)
	if !ok {
		return PeerDescriptor{}, false
	}
	host, ok := m["host"].(string)
	if !ok {
		return PeerDescriptor{}, false
	}
	portF, ok := m["port"].(float64)
	if !ok {
		return PeerDescriptor{}, false
	}
	var pubKey []byte
	switch pk := m["pub_key"].(type) {
	case []byte:
		pubKey = pk
	case string:
		pubKey = []byte(pk)
	default:
		return PeerDescriptor{}, false
	}
	return PeerDescriptor{Host: host, Port: int(portF), PubKey: pubKey}, true
}

// ListToValue projects a slice of descriptors into an ordered codec.Value
// sequence, as carried by a PEX frame's payload.
func ListToValue(descs []PeerDescriptor) codec.Value {
	out := make([]codec.Value, len(descs))
	for i, d := range descs {
		out[i] = d.ToValue()
	}
	return out
}

// ListFromValue is the checked inverse of ListToValue. Entries that fail to
// parse are dropped rather than aborting the whole list.
func ListFromValue(v codec.Value) []PeerDescriptor {
	seq, ok := v.([]codec.Value)
	if !ok {
		return nil
	}
	out := make([]PeerDescriptor, 0, len(seq))
	for _, item := range seq {
		if d, ok := FromValue(item); ok {
			out = append(out, d)
		}
	}
	return out
}
