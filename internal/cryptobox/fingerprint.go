package cryptobox

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// fingerprintLen is the number of leading bytes of the SHA3-256 digest kept
// as a peer's short identifier — enough to make collisions practically
// impossible for the peer counts this overlay is meant to run with.
const fingerprintLen = 10

// Fingerprint derives a short, stable identifier for a PEM-encoded public
// key. Chat messages attach it as an anonymous sender tag (
// sender_fp), and the file-swarm module uses it to map a public key back to
// an entry in the peer table without ever exposing the raw key as an
// addressing primitive.
func Fingerprint(pubKeyPEM []byte) string {
	sum := sha3.Sum256(pubKeyPEM)
	return hex.EncodeToString(sum[:fingerprintLen])
}
