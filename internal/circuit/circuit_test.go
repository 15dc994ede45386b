package circuit

import (
	"bytes"
	"crypto/rsa"
	"testing"

	"github.com/vesperio/onionmesh/internal/codec"
	"github.com/vesperio/onionmesh/internal/cryptobox"
	"github.com/vesperio/onionmesh/internal/descriptor"
)

type hop struct {
	desc descriptor.PeerDescriptor
	priv *rsa.PrivateKey
}

func makeHops(t *testing.T, n int) []hop {
	t.Helper()
	hops := make([]hop, n)
	for i := 0; i < n; i++ {
		kp, err := cryptobox.Generate()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		hops[i] = hop{
			desc: descriptor.PeerDescriptor{Host: "10.0.0.1", Port: 6000 + i, PubKey: kp.PublicPEM},
			priv: kp.Private,
		}
	}
	return hops
}

// peelOne decrypts one onion layer and returns whether there's a next hop,
// its address, and the data to feed to the next peel (or, at the final hop,
// the encoded application frame).
func peelOne(t *testing.T, blob []byte, priv *rsa.PrivateKey) (hasNext bool, nextHost string, nextPort int, data []byte) {
	t.Helper()
	plain, ok := cryptobox.HybridDecrypt(blob, priv)
	if !ok {
		t.Fatalf("peel: decrypt failed")
	}
	tag, value, ok := codec.Decode(plain)
	if !ok || tag != codec.TagOnion {
		t.Fatalf("peel: expected ONION_MSG frame, got tag=%q ok=%v", tag, ok)
	}
	m, ok := value.(map[string]codec.Value)
	if !ok {
		t.Fatalf("peel: payload not a map: %#v", value)
	}
	host, port, has := NextHopFromValue(m["next_hop"])
	d, ok := m["data"].([]byte)
	if !ok {
		t.Fatalf("peel: data field not []byte: %#v", m["data"])
	}
	return has, host, port, d
}

func TestWrapAndPeelThroughCircuit(t *testing.T) {
	hops := makeHops(t, 3)
	path := []descriptor.PeerDescriptor{hops[0].desc, hops[1].desc, hops[2].desc}

	blob, err := Wrap(codec.TagDirect, map[string]codec.Value{"hello": "world"}, path)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	has, host, port, data := peelOne(t, blob, hops[0].priv)
	if !has || host != hops[1].desc.Host || port != hops[1].desc.Port {
		t.Fatalf("hop 0: expected next hop %v, got has=%v %s:%d", hops[1].desc, has, host, port)
	}

	has, host, port, data = peelOne(t, data, hops[1].priv)
	if !has || host != hops[2].desc.Host || port != hops[2].desc.Port {
		t.Fatalf("hop 1: expected next hop %v, got has=%v %s:%d", hops[2].desc, has, host, port)
	}

	// Final hop's layer is still an ONION_MSG wrapper, with no next hop;
	// its data is the application frame itself.
	has, _, _, data = peelOne(t, data, hops[2].priv)
	if has {
		t.Fatal("final hop: expected no next hop")
	}
	tag, value, ok := codec.Decode(data)
	if !ok || tag != codec.TagDirect {
		t.Fatalf("final hop: expected DIRECT frame, got tag=%q ok=%v", tag, ok)
	}
	m, ok := value.(map[string]codec.Value)
	if !ok || m["hello"] != "world" {
		t.Fatalf("final hop: unexpected payload %#v", value)
	}
}

func TestWrapEmptyCircuitFails(t *testing.T) {
	if _, err := Wrap(codec.TagDirect, "x", nil); err == nil {
		t.Fatal("expected error for empty circuit")
	}
}

func TestWrapShorterThanRequestedHops(t *testing.T) {
	hops := makeHops(t, 1)
	path := []descriptor.PeerDescriptor{hops[0].desc}
	blob, err := Wrap(codec.TagDirect, "x", path)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	has, _, _, data := peelOne(t, blob, hops[0].priv)
	if has {
		t.Fatal("single-hop circuit must have no next hop")
	}
	tag, _, ok := codec.Decode(data)
	if !ok || tag != codec.TagDirect {
		t.Fatalf("expected final DIRECT frame, got tag=%q ok=%v", tag, ok)
	}
}

// TestNoCrossLayerLeakage is the P6 property: nothing about an inner
// layer's destination or plaintext is recoverable from the outer blob
// without possessing the corresponding hop's private key. Since each layer
// is produced by fresh AES-GCM + RSA-OAEP output, no substring of the
// cleartext tokens embedded in inner layers should appear in the outer
// ciphertext blob.
func TestNoCrossLayerLeakage(t *testing.T) {
	hops := makeHops(t, 3)
	path := []descriptor.PeerDescriptor{hops[0].desc, hops[1].desc, hops[2].desc}

	secret := "super-secret-exit-only-payload-marker"
	blob, err := Wrap(codec.TagDirect, map[string]codec.Value{"secret": secret}, path)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if bytes.Contains(blob, []byte(secret)) {
		t.Fatal("entry-hop blob leaks the innermost plaintext")
	}
	if bytes.Contains(blob, []byte(hops[2].desc.Host)) {
		t.Fatal("entry-hop blob leaks the exit hop's address in cleartext")
	}
	for _, h := range hops {
		if bytes.Contains(blob, h.desc.PubKey) {
			t.Fatal("entry-hop blob leaks a peer's public key material")
		}
	}
}

func TestBuildRandomSamplesWithoutReplacement(t *testing.T) {
	hops := makeHops(t, 5)
	var peers []descriptor.PeerDescriptor
	for _, h := range hops {
		peers = append(peers, h.desc)
	}
	m := NewManager()
	circuitPath, err := m.BuildRandom(peers, 3)
	if err != nil {
		t.Fatalf("BuildRandom: %v", err)
	}
	if len(circuitPath) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(circuitPath))
	}
	seen := map[string]bool{}
	for _, p := range circuitPath {
		if seen[p.Identity()] {
			t.Fatalf("duplicate peer in circuit: %s", p.Identity())
		}
		seen[p.Identity()] = true
	}
}

func TestBuildRandomShortensWhenPeersScarce(t *testing.T) {
	hops := makeHops(t, 2)
	var peers []descriptor.PeerDescriptor
	for _, h := range hops {
		peers = append(peers, h.desc)
	}
	m := NewManager()
	circuitPath, err := m.BuildRandom(peers, 3)
	if err != nil {
		t.Fatalf("BuildRandom: %v", err)
	}
	if len(circuitPath) != 2 {
		t.Fatalf("expected shortened circuit of 2, got %d", len(circuitPath))
	}
}

func TestBuildTargetedEndsAtTarget(t *testing.T) {
	hops := makeHops(t, 4)
	var peers []descriptor.PeerDescriptor
	for _, h := range hops {
		peers = append(peers, h.desc)
	}
	target := hops[3].desc
	m := NewManager()
	circuitPath, err := m.BuildTargeted(peers, target, 3)
	if err != nil {
		t.Fatalf("BuildTargeted: %v", err)
	}
	if len(circuitPath) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(circuitPath))
	}
	if circuitPath[len(circuitPath)-1].Identity() != target.Identity() {
		t.Fatalf("last hop is not target: %+v", circuitPath[len(circuitPath)-1])
	}
	for _, p := range circuitPath[:len(circuitPath)-1] {
		if p.Identity() == target.Identity() {
			t.Fatal("target appears as an intermediary too")
		}
	}
}

func TestBuildTargetedShortensWhenNoOtherPeers(t *testing.T) {
	hops := makeHops(t, 1)
	target := hops[0].desc
	m := NewManager()
	circuitPath, err := m.BuildTargeted([]descriptor.PeerDescriptor{target}, target, 3)
	if err != nil {
		t.Fatalf("BuildTargeted: %v", err)
	}
	if len(circuitPath) != 1 || circuitPath[0].Identity() != target.Identity() {
		t.Fatalf("expected single-hop circuit of just the target, got %+v", circuitPath)
	}
}
