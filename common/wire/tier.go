package wire

import "fmt"

// Tier is a canonical capability tier. Rate limits and tool policy key off
// it; the public tier is forced onto public-scope queries regardless of
// what the request claimed.
type Tier string

const (
	TierReadOnly     Tier = "read-only"
	TierWriteLocal   Tier = "write-local"
	TierFullAccess   Tier = "full-access"
	TierPublicSocial Tier = "public-social"
)

// wireTiers maps transport-level tier names, including the historical
// WRITE_SAFE alias, to canonical forms.
var wireTiers = map[string]Tier{
	"READ_ONLY":     TierReadOnly,
	"WRITE_SAFE":    TierWriteLocal,
	"WRITE_LOCAL":   TierWriteLocal,
	"FULL_ACCESS":   TierFullAccess,
	"PUBLIC_SOCIAL": TierPublicSocial,
}

// ParseTier canonicalises a tier name. Both wire forms and canonical forms
// are accepted; anything else is an error.
func ParseTier(s string) (Tier, error) {
	if t, ok := wireTiers[s]; ok {
		return t, nil
	}
	switch t := Tier(s); t {
	case TierReadOnly, TierWriteLocal, TierFullAccess, TierPublicSocial:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

func (t Tier) String() string { return string(t) }
