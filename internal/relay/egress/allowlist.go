package egress

import (
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultPorts apply to allowlist entries that name none.
var defaultPorts = []int{80, 443}

// Endpoint is one operator-approved private destination. Exactly one of
// Host (exact hostname or IP) and CIDR must be set.
type Endpoint struct {
	Label string `yaml:"label"`
	Host  string `yaml:"host,omitempty"`
	CIDR  string `yaml:"cidr,omitempty"`
	Ports []int  `yaml:"ports,omitempty"`

	prefix netip.Prefix
}

func (e *Endpoint) allowsPort(port int) bool {
	return slices.Contains(e.Ports, port)
}

func (e *Endpoint) contains(addr netip.Addr) bool {
	return e.prefix.IsValid() && e.prefix.Contains(addr.Unmap())
}

// Allowlist is the set of private endpoints the egress guard may reach in
// restricted mode. An empty allowlist admits no private destination.
type Allowlist struct {
	entries []Endpoint
}

// NewAllowlist validates and indexes the given endpoints.
func NewAllowlist(endpoints []Endpoint) (*Allowlist, error) {
	entries := make([]Endpoint, 0, len(endpoints))
	for i, e := range endpoints {
		if e.Label == "" {
			return nil, fmt.Errorf("endpoint %d: label is required", i)
		}
		if (e.Host == "") == (e.CIDR == "") {
			return nil, fmt.Errorf("endpoint %q: exactly one of host and cidr must be set", e.Label)
		}
		if e.CIDR != "" {
			p, err := netip.ParsePrefix(e.CIDR)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: bad cidr: %w", e.Label, err)
			}
			e.prefix = p.Masked()
		} else if addr, err := netip.ParseAddr(e.Host); err == nil {
			e.prefix = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
		}
		if len(e.Ports) == 0 {
			e.Ports = slices.Clone(defaultPorts)
		}
		entries = append(entries, e)
	}
	return &Allowlist{entries: entries}, nil
}

// LoadAllowlist reads the endpoints file. An empty path yields an empty
// allowlist, which blocks every private destination in restricted mode.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}
	var doc struct {
		Endpoints []Endpoint `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file %s: %w", path, err)
	}
	return NewAllowlist(doc.Endpoints)
}

// Len reports how many endpoints are configured.
func (a *Allowlist) Len() int { return len(a.entries) }

type verdict int

const (
	verdictNoEntry verdict = iota
	verdictPortDenied
	verdictAllowed
)

// check matches a destination against the allowlist. A destination passes
// either on an exact hostname entry or when every resolved address falls
// inside some entry; in both cases the target port must be listed.
func (a *Allowlist) check(host string, addrs []netip.Addr, port int) verdict {
	portDenied := false
	for i := range a.entries {
		e := &a.entries[i]
		if e.Host != "" && strings.EqualFold(e.Host, host) {
			if e.allowsPort(port) {
				return verdictAllowed
			}
			portDenied = true
		}
	}

	if len(addrs) > 0 {
		covered := 0
		for _, addr := range addrs {
			for i := range a.entries {
				e := &a.entries[i]
				if !e.contains(addr) {
					continue
				}
				if e.allowsPort(port) {
					covered++
					break
				}
				portDenied = true
			}
		}
		if covered == len(addrs) {
			return verdictAllowed
		}
	}

	if portDenied {
		return verdictPortDenied
	}
	return verdictNoEntry
}
