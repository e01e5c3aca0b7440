package artifacts_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/artifacts"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T) (*artifacts.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := artifacts.New(dir, testMaster)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, dir
}

func TestPutGet_Roundtrip(t *testing.T) {
	s, dir := newTestStore(t)

	plaintext := []byte("AIRLOCK-ARTIFACT-MARKER generated image bytes")
	path, err := s.Put(plaintext)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.IsAbs(path) {
		t.Fatalf("Put returned absolute path %q, want store-relative", path)
	}
	if !strings.HasSuffix(path, ".blob") {
		t.Fatalf("Put returned path %q, want .blob suffix", path)
	}

	got, err := s.Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Get returned %q, want %q", got, plaintext)
	}

	// The bytes on disk must be sealed, not the plaintext.
	raw, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		t.Fatalf("read blob file: %v", err)
	}
	if bytes.Contains(raw, []byte("AIRLOCK-ARTIFACT-MARKER")) {
		t.Fatal("blob file contains plaintext")
	}
}

func TestGet_MissingArtifact(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get("ab/0123456789abcdef.blob")
	if fault.KindOf(err) != fault.NotFound {
		t.Fatalf("Get missing: kind = %v, want %v", fault.KindOf(err), fault.NotFound)
	}
}

func TestGet_PathEscapeRejected(t *testing.T) {
	s, _ := newTestStore(t)

	for _, path := range []string{
		"../secret.blob",
		"ab/../../secret.blob",
		"..",
	} {
		_, err := s.Get(path)
		if fault.KindOf(err) != fault.InvalidArgument {
			t.Errorf("Get(%q): kind = %v, want %v", path, fault.KindOf(err), fault.InvalidArgument)
		}
	}
}

func TestRemove_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)

	path, err := s.Put([]byte("transient"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(path); fault.KindOf(err) != fault.NotFound {
		t.Fatalf("Get after Remove: kind = %v, want %v", fault.KindOf(err), fault.NotFound)
	}
	if err := s.Remove(path); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestGet_WrongMasterKeyFails(t *testing.T) {
	dir := t.TempDir()

	s1, err := artifacts.New(dir, testMaster)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := s1.Put([]byte("sealed under key one"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := artifacts.New(dir, []byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("New with second key: %v", err)
	}
	if _, err := s2.Get(path); err == nil {
		t.Fatal("Get with wrong key succeeded, want unseal failure")
	}
}

func TestGet_TamperedBlobFails(t *testing.T) {
	s, dir := newTestStore(t)

	path, err := s.Put([]byte("integrity protected"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	full := filepath.Join(dir, path)
	raw, err := os.ReadFile(full)
	if err != nil {
		t.Fatalf("read blob file: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if err := os.WriteFile(full, raw, 0o600); err != nil {
		t.Fatalf("rewrite blob file: %v", err)
	}

	if _, err := s.Get(path); err == nil {
		t.Fatal("Get of tampered blob succeeded, want unseal failure")
	}
}
