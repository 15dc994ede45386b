package relay

import (
	"fmt"
	"net"
	"time"

	"github.com/vesperio/onionmesh/internal/codec"
)

// DialTimeout bounds how long a single forwarding or send hop will block
// trying to reach the next node.
const DialTimeout = 5 * time.Second

// SendRaw dials host:port and writes a single length-prefixed frame
// containing body verbatim, then closes the connection. Used by SendFrame
// once a codec envelope has already been encoded.
func SendRaw(host string, port int, body []byte) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	if err := writeFrame(conn, body); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// SendFrame encodes tag/value as a codec frame and sends it unencrypted to
// host:port — used for HELLO greets, PEX gossip, and direct (non-onion)
// delivery.
func SendFrame(host string, port int, tag codec.Tag, value codec.Value) error {
	body, err := codec.Encode(tag, value)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", tag, err)
	}
	return SendRaw(host, port, body)
}
