// Package circuit implements the Circuit Manager: choosing a path of peers
// and wrapping a payload inside nested encrypted layers addressed to each
// hop in reverse order.
package circuit

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/vesperio/onionmesh/internal/codec"
	"github.com/vesperio/onionmesh/internal/cryptobox"
	"github.com/vesperio/onionmesh/internal/descriptor"
)

// DefaultHops is the circuit length requested when the caller doesn't ask
// for a specific one.
const DefaultHops = 3

// Manager builds circuits from whatever peers are currently known. It holds
// no state of its own — callers pass in the current peer snapshot on every
// call, so a circuit is always built from up-to-date peer-table contents.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// BuildRandom returns up to hops peers sampled uniformly without
// replacement from the given peer set. Fewer than hops peers yields a
// shorter circuit; zero peers yields an empty one (the caller aborts the
// send).
func (m *Manager) BuildRandom(peers []descriptor.PeerDescriptor, hops int) ([]descriptor.PeerDescriptor, error) {
	if hops <= 0 {
		hops = DefaultHops
	}
	return sampleWithoutReplacement(peers, hops)
}

// BuildTargeted returns a circuit whose last element is exactly target. The
// remaining hops-1 positions are sampled uniformly without replacement from
// peers other than target. If there aren't enough distinct non-target
// peers, the circuit is shortened rather than repeating a peer — this
// weakens anonymity (a single peer serves as both relay and exit) but is a
// documented, intentional fallback rather than a failure.
func (m *Manager) BuildTargeted(peers []descriptor.PeerDescriptor, target descriptor.PeerDescriptor, hops int) ([]descriptor.PeerDescriptor, error) {
	if hops <= 0 {
		hops = DefaultHops
	}
	others := make([]descriptor.PeerDescriptor, 0, len(peers))
	for _, p := range peers {
		if p.Identity() != target.Identity() {
			others = append(others, p)
		}
	}
	intermediaries, err := sampleWithoutReplacement(others, hops-1)
	if err != nil {
		return nil, err
	}
	return append(intermediaries, target), nil
}

// nextHopValue encodes the address of the following hop, or nil when the
// layer being built belongs to the exit (last) hop.
func nextHopValue(has bool, host string, port int) codec.Value {
	if !has {
		return nil
	}
	return map[string]codec.Value{"host": host, "port": float64(port)}
}

// NextHopFromValue is the inverse of nextHopValue, used by the relay when
// peeling a layer to decide whether to forward or deliver locally.
func NextHopFromValue(v codec.Value) (host string, port int, ok bool) {
	if v == nil {
		return "", 0, false
	}
	m, isMap := v.(map[string]codec.Value)
	if !isMap {
		return "", 0, false
	}
	h, hOK := m["host"].(string)
	p, pOK := m["port"].(float64)
	if !hOK || !pOK {
		return "", 0, false
	}
	return h, int(p), true
}

// Wrap constructs the nested encrypted blob addressed to path[0]. The
// innermost frame is encode(finalTag, finalPayload); for i from len(path)-1
// down to 0, layer i is {next_hop, data: <previous blob>} encrypted under
// path[i]'s public key, where next_hop is path[i+1]'s address or nil for
// the last hop. The result is the blob the entry hop receives.
func Wrap(finalTag codec.Tag, finalPayload codec.Value, path []descriptor.PeerDescriptor) ([]byte, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("wrap: empty circuit")
	}

	data, err := codec.Encode(finalTag, finalPayload)
	if err != nil {
		return nil, fmt.Errorf("wrap: encode final payload: %w", err)
	}

	hasNext := false
	var nextHost string
	var nextPort int

	for i := len(path) - 1; i >= 0; i-- {
		layerValue := map[string]codec.Value{
			"next_hop": nextHopValue(hasNext, nextHost, nextPort),
			"data":     data,
		}
		serialized, err := codec.Encode(codec.TagOnion, layerValue)
		if err != nil {
			return nil, fmt.Errorf("wrap: encode layer %d: %w", i, err)
		}
		blob, err := cryptobox.HybridEncrypt(serialized, path[i].PubKey)
		if err != nil {
			return nil, fmt.Errorf("wrap: encrypt layer %d: %w", i, err)
		}
		data = blob
		hasNext = true
		nextHost, nextPort = path[i].Host, path[i].Port
	}

	return data, nil
}

// sampleWithoutReplacement picks min(n, len(items)) elements from items
// uniformly at random, without repeats, using crypto/rand (matching the
// unbiased selection style of pathselect.weightedRandom, simplified here
// to the uniform case this design calls for).
func sampleWithoutReplacement(items []descriptor.PeerDescriptor, n int) ([]descriptor.PeerDescriptor, error) {
	if n > len(items) {
		n = len(items)
	}
	if n <= 0 {
		return []descriptor.PeerDescriptor{}, nil
	}
	pool := append([]descriptor.PeerDescriptor(nil), items...)
	out := make([]descriptor.PeerDescriptor, 0, n)
	for i := 0; i < n; i++ {
		idx, err := randIndex(len(pool))
		if err != nil {
			return nil, fmt.Errorf("sample peers: %w", err)
		}
		out = append(out, pool[idx])
		pool[idx] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}
	return out, nil
}

func randIndex(n int) (int, error) {
	b, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(b.Int64()), nil
}
