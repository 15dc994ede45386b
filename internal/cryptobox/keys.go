// Package cryptobox implements the node's long-term asymmetric identity and
// the hybrid (asymmetric-wrapped symmetric key + authenticated symmetric
// encryption) scheme used to address one onion layer at a time.
package cryptobox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeySize is the RSA modulus size in bits used for every node identity.
const KeySize = 2048

// KeyPair is a node's long-term identity. Private never leaves the process.
type KeyPair struct {
	Private   *rsa.PrivateKey
	PublicPEM []byte
}

// Generate produces a fresh 2048-bit RSA key pair (public exponent 65537,
// Go's standard library default) and exports the public half as a
// PEM/SubjectPublicKeyInfo block. The private half is retained only in
// memory and is regenerated every process start — it is never serialized.
func Generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pemBlock := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &KeyPair{Private: priv, PublicPEM: pemBlock}, nil
}

// MarshalPublicKey encodes an *rsa.PublicKey back into the PEM block form
// carried in descriptors and on the wire.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey decodes a PEM/SubjectPublicKeyInfo block into an *rsa.PublicKey.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}
