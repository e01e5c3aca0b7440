package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a purpose-bound 32-byte subkey from a master key using
// HKDF-SHA256. Distinct info strings yield independent keys, so one master
// secret can back multiple subsystems (artifact encryption, attachment-ref
// signing) without key reuse.
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master key too short: %d bytes", len(master))
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
