// Package node implements the Node Facade: the single object that owns the
// peer table and pin store behind one lock and publishes the handful of
// methods every other component (Discovery, Relay, application modules)
// calls into instead of touching shared state directly.
package node

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vesperio/onionmesh/internal/circuit"
	"github.com/vesperio/onionmesh/internal/codec"
	"github.com/vesperio/onionmesh/internal/cryptobox"
	"github.com/vesperio/onionmesh/internal/descriptor"
	"github.com/vesperio/onionmesh/internal/pinstore"
	"github.com/vesperio/onionmesh/internal/relay"
)

// Module is the receive contract every application module implements.
// Modules are looked up by the string name they were registered under; an
// unknown name at delivery time causes the payload to be dropped silently.
type Module interface {
	Receive(payload codec.Value)
}

// Node is the facade described above. It satisfies relay.Dependencies and
// discovery.NodeView structurally, without either package importing this
// one.
type Node struct {
	keys   *cryptobox.KeyPair
	pins   *pinstore.Store
	logger *slog.Logger

	mu      sync.RWMutex
	host    string
	port    int
	peers   map[string]descriptor.PeerDescriptor
	modules map[string]Module

	circuitMgr *circuit.Manager
}

// New constructs a Node. The caller is responsible for calling SetAddr once
// the relay listener is bound, before Discovery starts announcing.
func New(keys *cryptobox.KeyPair, pins *pinstore.Store, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		keys:       keys,
		pins:       pins,
		logger:     logger,
		peers:      make(map[string]descriptor.PeerDescriptor),
		modules:    make(map[string]Module),
		circuitMgr: circuit.NewManager(),
	}
}

// SetAddr records the host/port this node's relay is reachable on, used to
// build the local descriptor for HELLO announces and to exclude ourselves
// from Peer Validation.
func (n *Node) SetAddr(host string, port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.host, n.port = host, port
}

// PrivateKey satisfies relay.Dependencies.
func (n *Node) PrivateKey() *rsa.PrivateKey {
	return n.keys.Private
}

// PubKeyPEM returns the local public key PEM, exposed to modules that
// address by fingerprint.
func (n *Node) PubKeyPEM() []byte {
	return n.keys.PublicPEM
}

// SelfDescriptor returns this node's own descriptor, used by Discovery to
// build HELLO announces.
func (n *Node) SelfDescriptor() descriptor.PeerDescriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return descriptor.PeerDescriptor{Host: n.host, Port: n.port, PubKey: n.keys.PublicPEM}
}

// Peers returns a read-only snapshot of the peer table.
func (n *Node) Peers() []descriptor.PeerDescriptor {
	return n.PeersSnapshot()
}

// PeersSnapshot is the discovery.NodeView-facing name for the same
// operation as Peers; kept as a separate method so callers reading either
// package's interface see a name that matches that package's vocabulary.
func (n *Node) PeersSnapshot() []descriptor.PeerDescriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]descriptor.PeerDescriptor, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// RegisterModule binds a name to a receive handler. Call before Discovery
// or Relay start delivering traffic.
func (n *Node) RegisterModule(name string, m Module) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modules[name] = m
}

// ValidatePeer implements the Peer Validation procedure, the heart of
// Discovery:
//  1. drop (as "rejected") descriptors matching our own identity;
//  2. pin-and-add on first sight ("new");
//  3. confirm table membership on a matching repeat sighting ("known");
//  4. refuse, untouched, on a pubkey mismatch ("rejected" — impersonation).
func (n *Node) ValidatePeer(desc descriptor.PeerDescriptor) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if desc.Host == n.host && desc.Port == n.port {
		return "rejected"
	}

	identity := desc.Identity()
	existing, pinned := n.pins.Lookup(identity)
	switch {
	case !pinned:
		if err := n.pins.Pin(identity, desc.PubKey); err != nil {
			n.logger.Warn("pin peer failed", "peer", identity, "err", err)
			return "rejected"
		}
		n.peers[identity] = desc
		n.logger.Info("new peer validated", "peer", identity)
		return "new"
	case pinstore.Equal(existing, desc.PubKey):
		n.peers[identity] = desc
		return "known"
	default:
		n.logger.Warn("rejected peer descriptor with mismatched pubkey", "peer", identity)
		return "rejected"
	}
}

// HandleHello is the relay's on-connect greet path:
// an unconditional peer-table add with no TOFU check, since Discovery owns
// TOFU.
func (n *Node) HandleHello(desc descriptor.PeerDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[desc.Identity()] = desc
}

// HandlePEX is reached only if a peer gossips to us over the relay's
// connection-oriented transport rather than discovery's datagram one; each
// entry still goes through the same Peer Validation procedure, so trust
// guarantees don't depend on which transport carried the descriptor.
func (n *Node) HandlePEX(peers []descriptor.PeerDescriptor) {
	for _, p := range peers {
		n.ValidatePeer(p)
	}
}

// HandleChunk delivers a FILE_CHUNK frame straight to the torrent module,
// fixed routing for that tag.
func (n *Node) HandleChunk(payload codec.Value) {
	n.deliver("torrent", payload)
}

// HandleDirect unpacks a DIRECT frame's {module, payload} envelope and
// routes the inner payload to the named module.
func (n *Node) HandleDirect(value codec.Value) {
	m, ok := value.(map[string]codec.Value)
	if !ok {
		n.logger.Warn("dropping DIRECT frame with non-map payload")
		return
	}
	name, ok := m["module"].(string)
	if !ok {
		n.logger.Warn("dropping DIRECT frame with missing module name")
		return
	}
	n.deliver(name, m["payload"])
}

func (n *Node) deliver(moduleName string, payload codec.Value) {
	n.mu.RLock()
	m, ok := n.modules[moduleName]
	n.mu.RUnlock()
	if !ok {
		n.logger.Debug("dropping payload for unregistered module", "module", moduleName)
		return
	}
	m.Receive(payload)
}

// SendOnion builds a random circuit, wraps payload addressed to moduleName,
// and dispatches to the entry hop.
func (n *Node) SendOnion(moduleName string, payload codec.Value) error {
	path, err := n.circuitMgr.BuildRandom(n.PeersSnapshot(), circuit.DefaultHops)
	if err != nil {
		return fmt.Errorf("send_onion: build circuit: %w", err)
	}
	return n.sendWrapped(moduleName, payload, path)
}

// SendOnionTo builds a targeted circuit ending at peerID, wraps payload
// addressed to moduleName, and dispatches to the entry hop.
func (n *Node) SendOnionTo(peerID string, moduleName string, payload codec.Value) error {
	n.mu.RLock()
	target, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send_onion_to: unknown peer %q", peerID)
	}
	path, err := n.circuitMgr.BuildTargeted(n.PeersSnapshot(), target, circuit.DefaultHops)
	if err != nil {
		return fmt.Errorf("send_onion_to: build circuit: %w", err)
	}
	return n.sendWrapped(moduleName, payload, path)
}

func (n *Node) sendWrapped(moduleName string, payload codec.Value, path []descriptor.PeerDescriptor) error {
	if len(path) == 0 {
		return fmt.Errorf("send: empty circuit, aborting")
	}
	envelope := map[string]codec.Value{"module": moduleName, "payload": payload}
	blob, err := circuit.Wrap(codec.TagDirect, envelope, path)
	if err != nil {
		return fmt.Errorf("send: wrap circuit: %w", err)
	}
	if err := relay.SendFrame(path[0].Host, path[0].Port, codec.TagOnion, blob); err != nil {
		return fmt.Errorf("send: dispatch to entry hop %s: %w", path[0].Identity(), err)
	}
	return nil
}

// SendRaw performs a framed, non-onion, connection-oriented send — used
// for DIRECT deliveries to a known host and for manual-connect HELLOs.
func (n *Node) SendRaw(host string, port int, tag codec.Tag, payload codec.Value) error {
	return relay.SendFrame(host, port, tag, payload)
}
