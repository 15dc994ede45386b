package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// Layout of an Encrypted Blob: E_asym(K_sym) || nonce || E_sym(plaintext, K_sym).
const (
	wrappedKeyLen = 256 // RSA-2048 OAEP ciphertext length
	nonceLen      = 12  // AES-GCM standard nonce size
	symKeyLen     = 32  // AES-256 key
	minBlobLen    = wrappedKeyLen + nonceLen // 268-byte floor for any valid blob
)

// HybridEncrypt wraps plaintext for a single recipient identified by their
// PEM-encoded RSA public key. Every call samples a fresh AES-256 key and a
// fresh 96-bit nonce, so no layer ever reuses key material.
func HybridEncrypt(plaintext []byte, peerPubKeyPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKey(peerPubKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("hybrid encrypt: %w", err)
	}

	symKey := make([]byte, symKeyLen)
	if _, err := rand.Read(symKey); err != nil {
		return nil, fmt.Errorf("hybrid encrypt: sample symmetric key: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("hybrid encrypt: sample nonce: %w", err)
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, fmt.Errorf("hybrid encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("hybrid encrypt: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, symKey, nil)
	if err != nil {
		return nil, fmt.Errorf("hybrid encrypt: wrap symmetric key: %w", err)
	}

	blob := make([]byte, 0, len(wrappedKey)+len(nonce)+len(ciphertext))
	blob = append(blob, wrappedKey...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// HybridDecrypt reverses HybridEncrypt. Any failure — too-short blob, RSA
// unwrap failure, or AES-GCM authentication failure (tampered ciphertext or
// the wrong key) — is reported as ok=false and carries no distinguishing
// information about which step failed. This is the sole integrity check
// performed at each onion hop.
func HybridDecrypt(blob []byte, priv *rsa.PrivateKey) (plaintext []byte, ok bool) {
	if len(blob) < minBlobLen {
		return nil, false
	}
	wrappedKey := blob[:wrappedKeyLen]
	nonce := blob[wrappedKeyLen : wrappedKeyLen+nonceLen]
	ciphertext := blob[wrappedKeyLen+nonceLen:]

	symKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrappedKey, nil)
	if err != nil {
		return nil, false
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, false
	}
	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}
