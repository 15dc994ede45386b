// Package relay implements the connection-oriented transport between mesh
// peers: a 4-byte big-endian length-prefixed TCP stream
// carrying codec frames: plain ones (HELLO, PEX, FILE_CHUNK, DIRECT) or an
// ONION_MSG frame whose payload is an opaque onion-encrypted blob.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single frame so a hostile or corrupt peer can't make
// the reader allocate unbounded memory from a forged length prefix.
const MaxFrameLen = 16 * 1024 * 1024

// readFrame reads one length-prefixed frame: a 4-byte big-endian length
// followed by that many bytes. Grounded on the cell.Reader idiom, which
// reads a fixed header then the declared payload length via io.ReadFull.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, MaxFrameLen)
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
	}
	return body, nil
}

// writeFrame writes body prefixed with its 4-byte big-endian length.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameLen {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(body), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}
