package attach_test

import (
	"context"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/attach"
	"github.com/airlock-project/airlock/internal/relay/store"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

func newTestMinter(t *testing.T, ttl time.Duration) (*attach.Minter, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "airlock-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m, err := attach.NewMinter(s, testMaster, ttl)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	return m, s
}

func testArtifact() attach.Artifact {
	return attach.Artifact{
		Actor:     "chat:42",
		Provider:  "image-gen",
		Filepath:  "/var/lib/airlock/artifacts/ab/cd.bin",
		Filename:  "sunset.png",
		MimeType:  "image/png",
		SizeBytes: 20480,
	}
}

func TestMintAndVerify(t *testing.T) {
	m, _ := newTestMinter(t, 0)
	ctx := context.Background()

	ref, exp, err := m.Mint(ctx, testArtifact())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	shape := regexp.MustCompile(`^att_[0-9a-f]{8}\.\d+\.[0-9a-f]{16}$`)
	if !shape.MatchString(ref) {
		t.Errorf("ref shape: got %q", ref)
	}
	if until := time.Until(exp); until < 14*time.Minute || until > 16*time.Minute {
		t.Errorf("default TTL: got %v, want ~15m", until)
	}

	row, err := m.Verify(ctx, ref, "chat:42")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if row.Filename != "sunset.png" || row.MimeType != "image/png" {
		t.Errorf("row: got %+v", row)
	}
}

func TestVerify_WrongActor(t *testing.T) {
	m, _ := newTestMinter(t, 0)
	ctx := context.Background()

	ref, _, err := m.Mint(ctx, testArtifact())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	_, err = m.Verify(ctx, ref, "chat:99")
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.NotFound)
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	m, _ := newTestMinter(t, 0)
	ctx := context.Background()

	ref, _, err := m.Mint(ctx, testArtifact())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Flip one signature nibble deterministically.
	last := ref[len(ref)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	tampered := ref[:len(ref)-1] + string(flip)

	if _, err := m.Verify(ctx, tampered, "chat:42"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.NotFound)
	}
}

func TestVerify_TamperedBindingInStore(t *testing.T) {
	m, s := newTestMinter(t, 0)
	ctx := context.Background()

	ref, _, err := m.Mint(ctx, testArtifact())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// Re-pointing the row at another file invalidates the signature.
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE attachment_refs SET filepath = '/etc/passwd' WHERE ref = ?`, ref); err != nil {
		t.Fatalf("tamper row: %v", err)
	}
	if _, err := m.Verify(ctx, ref, "chat:42"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.NotFound)
	}
}

func TestVerify_Expired(t *testing.T) {
	m, _ := newTestMinter(t, time.Second)
	ctx := context.Background()

	ref, _, err := m.Mint(ctx, testArtifact())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// The embedded expiry is in whole seconds; a 1 s TTL ref parsed two
	// seconds later is past it without any store round trip.
	time.Sleep(2100 * time.Millisecond)

	if _, err := m.Verify(ctx, ref, "chat:42"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.NotFound)
	}
}

func TestVerify_MalformedShapes(t *testing.T) {
	m, _ := newTestMinter(t, 0)
	ctx := context.Background()

	for _, ref := range []string{
		"",
		"att_",
		"nope_00112233.1756000000.0011223344556677",
		"att_0011.1756000000.0011223344556677",
		"att_00112233.nan.0011223344556677",
		"att_00112233.1756000000.00112233",
		"att_zz112233.1756000000.0011223344556677",
		strings.Repeat("att_00112233.1756000000.0011223344556677.", 2),
	} {
		if _, err := m.Verify(ctx, ref, "chat:42"); fault.KindOf(err) != fault.InvalidArgument {
			t.Errorf("%q: kind = %s, want %s", ref, fault.KindOf(err), fault.InvalidArgument)
		}
	}
}
