// Package artifacts stores binary blobs produced by capability calls
// (media output, proxied downloads, delivered files) under the relay data
// directory, encrypted at rest.
//
// Every blob is sealed with AES-256-GCM under a key derived from the relay
// master key, so a copied data directory leaks nothing without that key.
// Blobs are addressed by a path relative to the store root; attachment
// refs bind to that path and the cleanup loop removes it when the ref
// expires.
package artifacts

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airlock-project/airlock/common/crypto"
	"github.com/airlock-project/airlock/common/fault"
)

// keyInfo is the HKDF info string for the artifact encryption key.
const keyInfo = "airlock/artifacts"

// Store is a filesystem-backed encrypted blob store.
type Store struct {
	dir string
	key []byte
}

// New opens (creating if needed) an artifact store rooted at dir. The
// encryption key is derived from masterKey, so two stores opened with the
// same master key can read each other's blobs.
func New(dir string, masterKey []byte) (*Store, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	key, err := crypto.DeriveKey(masterKey, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive artifact key: %w", err)
	}
	return &Store{dir: dir, key: key}, nil
}

// Put seals data and writes it under a fresh random name, sharded into a
// two-character subdirectory to keep any single directory small. It returns
// the blob's path relative to the store root.
func (s *Store) Put(data []byte) (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate artifact name: %w", err)
	}
	name := hex.EncodeToString(raw[:])
	rel := filepath.Join(name[:2], name+".blob")
	full := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("failed to create artifact shard dir: %w", err)
	}

	sealed, err := crypto.Encrypt(s.key, data)
	if err != nil {
		return "", fmt.Errorf("failed to seal artifact: %w", err)
	}

	// Write to temp, then rename, so readers never observe a partial blob.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	return rel, nil
}

// Get reads and unseals the blob at the given store-relative path.
func (s *Store) Get(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.NotFound, "artifact not found")
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	data, err := crypto.Decrypt(s.key, sealed)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "failed to unseal artifact")
	}
	return data, nil
}

// Remove deletes the blob at the given store-relative path. Removing a
// blob that is already gone is not an error; the cleanup loop may race
// with itself across restarts.
func (s *Store) Remove(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

// resolve joins a store-relative path onto the root and rejects anything
// that escapes it. Paths come back from the attachment-ref table, which an
// operator can edit, so they are not trusted.
func (s *Store) resolve(path string) (string, error) {
	full := filepath.Join(s.dir, path)
	if full != s.dir && !strings.HasPrefix(full, s.dir+string(os.PathSeparator)) {
		return "", fault.New(fault.InvalidArgument, "artifact path escapes the store")
	}
	return full, nil
}
