// Package pinstore implements the Trust-On-First-Use pin store: a
// "host:port" -> PEM public key mapping persisted to a single JSON file,
// write-through on every new pin.
package pinstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the in-memory cache plus on-disk backing file. All access is
// serialized through mu: writes are ordered one-at-a-time and readers never
// observe a torn entry.
type Store struct {
	mu   sync.RWMutex
	path string
	pins map[string]string // identity -> base64-free PEM string
}

// Open loads an existing pin file at path, or starts an empty store if none
// exists yet. The file is not created until the first pin is written.
func Open(path string) (*Store, error) {
	s := &Store{path: path, pins: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open pin store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.pins); err != nil {
		return nil, fmt.Errorf("parse pin store %s: %w", path, err)
	}
	return s, nil
}

// Lookup returns the pinned PEM public key for identity, if any.
func (s *Store) Lookup(identity string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pem, ok := s.pins[identity]
	return []byte(pem), ok
}

// Pin records a new identity -> pubkey binding and persists the store
// write-through. Callers must only call Pin after confirming (via Lookup)
// that identity is not already pinned; re-pinning an existing identity with
// a different key is an impersonation attempt and must be refused by the
// caller before Pin is ever reached.
func (s *Store) Pin(identity string, pubKeyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[identity] = string(pubKeyPEM)
	return s.persistLocked()
}

// persistLocked rewrites the backing file via a temp-file-then-rename swap
// so a crash mid-write never leaves a corrupt pin file on disk — the source
// design permits a non-atomic rewrite, but this implementation prefers the
// atomic replace to avoid a torn file on crash.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.pins, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pin store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create pin store dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".pinstore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp pin file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp pin file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp pin file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace pin file: %w", err)
	}
	return nil
}

// Equal reports whether two PEM-encoded keys are byte-identical, the
// comparison the TOFU invariant is built on.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
