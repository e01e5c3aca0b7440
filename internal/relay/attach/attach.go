// Package attach mints and verifies attachment refs, the opaque tokens
// that let a caller collect exactly one stored artifact. A ref has the
// shape
//
//	att_<id>.<expiresAtSec>.<sig16>
//
// where id is 8 hex chars, expiresAtSec is the unix expiry and sig16 is
// the first 16 hex chars of an HMAC-SHA256 over the ref prefix and the
// artifact's binding fields (actor, provider, filepath, filename, mime
// type). The signature key is derived from the relay master key, so a ref
// cannot be forged or re-pointed at another artifact without the store row
// and the key agreeing.
package attach

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/airlock-project/airlock/common/crypto"
	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/store"
)

const (
	// RefPrefix starts every attachment ref.
	RefPrefix = "att_"
	// DefaultTTL is how long a ref stays redeemable.
	DefaultTTL = 15 * time.Minute

	keyInfo = "airlock/attachments"
)

// Artifact names the stored blob a ref binds to.
type Artifact struct {
	Actor     string
	Provider  string
	Filepath  string
	Filename  string
	MimeType  string
	SizeBytes int64
}

// Minter creates and checks refs against the relay store.
type Minter struct {
	key []byte
	ttl time.Duration
	st  *store.Store
	now func() time.Time
}

// NewMinter derives the ref-signing key from the relay master key.
// ttl <= 0 selects DefaultTTL.
func NewMinter(st *store.Store, masterKey []byte, ttl time.Duration) (*Minter, error) {
	key, err := crypto.DeriveKey(masterKey, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive attachment key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{key: key, ttl: ttl, st: st, now: time.Now}, nil
}

// Mint issues a ref for the artifact and records it.
func (m *Minter) Mint(ctx context.Context, a Artifact) (string, time.Time, error) {
	idRaw := make([]byte, 4)
	if _, err := rand.Read(idRaw); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate ref id: %w", err)
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)
	prefix := fmt.Sprintf("%s%s.%d", RefPrefix, hex.EncodeToString(idRaw), expiresAt.Unix())
	ref := prefix + "." + m.signature(prefix, a)

	err := m.st.InsertAttachmentRef(ctx, &store.AttachmentRef{
		Ref:       ref,
		Actor:     a.Actor,
		Provider:  a.Provider,
		Filepath:  a.Filepath,
		Filename:  a.Filename,
		MimeType:  a.MimeType,
		SizeBytes: a.SizeBytes,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return ref, expiresAt, nil
}

// Verify redeems a ref for the given actor. Unknown, expired, tampered and
// foreign-actor refs all report identically so refs cannot be probed.
func (m *Minter) Verify(ctx context.Context, ref, actor string) (*store.AttachmentRef, error) {
	prefix, expSec, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	if m.now().Unix() > expSec {
		return nil, refUnknown()
	}

	row, err := m.st.GetAttachmentRef(ctx, ref)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, refUnknown()
		}
		return nil, err
	}

	want := m.signature(prefix, Artifact{
		Actor:    row.Actor,
		Provider: row.Provider,
		Filepath: row.Filepath,
		Filename: row.Filename,
		MimeType: row.MimeType,
	})
	got := ref[len(prefix)+1:]
	if !hmac.Equal([]byte(got), []byte(want)) {
		return nil, refUnknown()
	}
	if row.Actor != actor {
		return nil, refUnknown()
	}
	return row, nil
}

// signature computes sig16 over the prefix and binding fields.
func (m *Minter) signature(prefix string, a Artifact) string {
	mac := hmac.New(sha256.New, m.key)
	io.WriteString(mac, prefix) //nolint:errcheck
	for _, field := range []string{a.Actor, a.Provider, a.Filepath, a.Filename, a.MimeType} {
		io.WriteString(mac, "\n"+field) //nolint:errcheck
	}
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// splitRef validates the ref shape and returns the signed prefix and the
// embedded expiry.
func splitRef(ref string) (prefix string, expSec int64, err error) {
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", 0, fault.New(fault.InvalidArgument, "malformed attachment ref")
	}
	parts := strings.Split(ref[len(RefPrefix):], ".")
	if len(parts) != 3 || len(parts[0]) != 8 || len(parts[2]) != 16 {
		return "", 0, fault.New(fault.InvalidArgument, "malformed attachment ref")
	}
	if _, err := hex.DecodeString(parts[0]); err != nil {
		return "", 0, fault.New(fault.InvalidArgument, "malformed attachment ref")
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return "", 0, fault.New(fault.InvalidArgument, "malformed attachment ref")
	}
	expSec, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fault.New(fault.InvalidArgument, "malformed attachment ref")
	}
	return RefPrefix + parts[0] + "." + parts[1], expSec, nil
}

func refUnknown() error {
	return fault.New(fault.NotFound, "attachment ref unknown or expired")
}
