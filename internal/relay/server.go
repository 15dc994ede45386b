package relay

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"

	"github.com/vesperio/onionmesh/internal/circuit"
	"github.com/vesperio/onionmesh/internal/codec"
	"github.com/vesperio/onionmesh/internal/cryptobox"
	"github.com/vesperio/onionmesh/internal/descriptor"
)

// maxConns bounds concurrent in-flight connections, following the
// socks.Server accept-loop-with-semaphore pattern.
const maxConns = 256

// PortRangeStart and PortRangeEnd bound the ports Listen tries, per
// binds to the first free port in [6000, 6010).
const (
	PortRangeStart = 6000
	PortRangeEnd   = 6010
)

// Dependencies is everything the relay needs from the node facade to
// service an inbound connection. The relay never touches the peer table or
// pin store directly — it only calls back into these methods, so all
// shared state stays owned by a single lock in the node package.
type Dependencies interface {
	PrivateKey() *rsa.PrivateKey
	HandleHello(desc descriptor.PeerDescriptor)
	HandlePEX(peers []descriptor.PeerDescriptor)
	HandleChunk(payload codec.Value)
	HandleDirect(payload codec.Value)
}

// Server accepts inbound TCP connections and dispatches each frame by its
// tag, peeling one onion layer for ONION_MSG frames addressed to this node.
type Server struct {
	deps   Dependencies
	logger *slog.Logger
	ln     net.Listener
	sem    chan struct{}
}

// NewServer constructs a relay server. logger defaults to slog.Default if
// nil.
func NewServer(deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger, sem: make(chan struct{}, maxConns)}
}

// Listen binds the first free TCP port on all interfaces in
// [PortRangeStart, PortRangeEnd) and returns that port. The returned host is
// always empty; the caller supplies the address it advertises.
func (s *Server) Listen() (host string, port int, err error) {
	var lastErr error
	for p := PortRangeStart; p < PortRangeEnd; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			lastErr = err
			continue
		}
		s.ln = ln
		tcpAddr := ln.Addr().(*net.TCPAddr)
		return "", tcpAddr.Port, nil
	}
	return "", 0, fmt.Errorf("no free port in [%d, %d): %w", PortRangeStart, PortRangeEnd, lastErr)
}

// Serve runs the accept loop until the listener is closed. Call after
// Listen.
func (s *Server) Serve() error {
	s.logger.Info("relay listening", "addr", s.ln.Addr().String())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		body, err := readFrame(conn)
		if err != nil {
			return // peer closed or sent a malformed length; just stop serving this conn
		}
		s.dispatch(body)
	}
}

// dispatch decodes a single frame body and routes it by tag. A frame that
// doesn't even decode as a codec frame is logged and dropped — a single
// malformed frame must never bring down the relay.
func (s *Server) dispatch(body []byte) {
	tag, value, ok := codec.Decode(body)
	if !ok || tag == "" {
		s.logger.Warn("dropping malformed relay frame")
		return
	}
	s.dispatchFrame(tag, value)
}

func (s *Server) dispatchFrame(tag codec.Tag, value codec.Value) {
	switch tag {
	case codec.TagHello:
		if d, ok := descriptor.FromValue(value); ok {
			s.deps.HandleHello(d)
		} else {
			s.logger.Warn("dropping malformed HELLO frame")
		}
	case codec.TagPEX:
		s.deps.HandlePEX(descriptor.ListFromValue(value))
	case codec.TagChunk:
		s.deps.HandleChunk(value)
	case codec.TagDirect:
		s.deps.HandleDirect(value)
	case codec.TagOnion:
		blob, ok := value.([]byte)
		if !ok {
			s.logger.Warn("dropping ONION_MSG frame with non-bytes payload")
			return
		}
		s.peelOnion(blob)
	default:
		s.logger.Warn("dropping frame with unrecognized tag", "tag", tag)
	}
}

// peelOnion decrypts one onion layer addressed to this node, then either
// forwards the next layer to the next hop (re-framed as ONION_MSG) or, at
// the exit hop, re-dispatches the innermost cleartext frame.
func (s *Server) peelOnion(blob []byte) {
	plain, ok := cryptobox.HybridDecrypt(blob, s.deps.PrivateKey())
	if !ok {
		s.logger.Warn("dropping onion blob that doesn't decrypt for this node")
		return
	}
	tag, value, ok := codec.Decode(plain)
	if !ok || tag != codec.TagOnion {
		s.logger.Warn("dropping onion blob with malformed inner layer", "tag", tag)
		return
	}
	m, ok := value.(map[string]codec.Value)
	if !ok {
		s.logger.Warn("dropping onion layer with non-map payload")
		return
	}
	host, port, hasNext := circuit.NextHopFromValue(m["next_hop"])
	data, ok := m["data"].([]byte)
	if !ok {
		s.logger.Warn("dropping onion layer with missing data field")
		return
	}
	if hasNext {
		if err := SendFrame(host, port, codec.TagOnion, data); err != nil {
			s.logger.Warn("forward onion layer failed", "next_hop", fmt.Sprintf("%s:%d", host, port), "err", err)
		}
		return
	}
	// Exit hop: data is the innermost application frame.
	s.dispatch(data)
}
