// Package providers holds the relay's view of external provider APIs: which
// providers exist, what subset of their surface the agent may call, how calls
// are paced, and when a flaky provider is cut off by the circuit breaker.
//
// Providers are declared in a YAML file (RELAY_PROVIDERS_FILE). Credentials
// never appear in that file; each provider names an environment variable and
// the relay injects its value into the outbound auth header. Callers cannot
// supply their own auth header, so agent-side prompt injection cannot steer
// provider credentials.
package providers

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/airlock-project/airlock/common/fault"
)

// Pacing defaults for providers that do not set their own.
const (
	defaultRatePerSecond = 4
	defaultBurst         = 8
)

var defaultMethods = []string{"GET", "POST"}

// Provider describes one external API the agent may reach through the relay.
type Provider struct {
	// Name identifies the provider in proxy requests and breaker state.
	Name string `yaml:"name"`
	// BaseURL is the scheme://host[:port] prefix every call starts from.
	BaseURL string `yaml:"base_url"`
	// AuthEnv names the environment variable holding the credential.
	// Empty means the provider needs no auth header.
	AuthEnv string `yaml:"auth_env"`
	// AuthHeader is the header the credential is sent in. Defaults to
	// Authorization.
	AuthHeader string `yaml:"auth_header"`
	// AuthScheme prefixes the credential ("Bearer" by default). Set it to
	// "none" for providers that want the bare value.
	AuthScheme string `yaml:"auth_scheme"`
	// Methods lists the HTTP methods the agent may use. Defaults to GET
	// and POST.
	Methods []string `yaml:"methods"`
	// PathPrefixes lists the URL path prefixes the agent may call.
	// Defaults to "/" (the whole API).
	PathPrefixes []string `yaml:"path_prefixes"`
	// RatePerSecond and Burst pace outbound calls to this provider.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// Features maps a multimedia feature (tts, image-gen, transcription,
	// video) to the provider path that serves it.
	Features map[string]string `yaml:"features"`
}

// AllowsMethod reports whether the proxy may use the given HTTP method.
func (p *Provider) AllowsMethod(method string) bool {
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// AllowsPath reports whether the proxy may call the given URL path.
func (p *Provider) AllowsPath(path string) bool {
	for _, prefix := range p.PathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AuthValue resolves the provider's credential from the environment and
// returns the header name and value to inject. ok is false when the provider
// has no auth configured or the variable is unset.
func (p *Provider) AuthValue() (header, value string, ok bool) {
	if p.AuthEnv == "" {
		return "", "", false
	}
	secret := os.Getenv(p.AuthEnv)
	if secret == "" {
		return "", "", false
	}
	header = p.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	switch p.AuthScheme {
	case "":
		value = "Bearer " + secret
	case "none":
		value = secret
	default:
		value = p.AuthScheme + " " + secret
	}
	return header, value, true
}

// Registry is the validated set of configured providers.
type Registry struct {
	byName    map[string]*Provider
	byFeature map[string]*Provider
	pacers    map[string]*rate.Limiter
}

type registryFile struct {
	Providers []Provider `yaml:"providers"`
}

// Load reads a provider registry from a YAML file. An empty path yields an
// empty registry: every proxy call then fails with unknown provider, which
// is the safe default for deployments without outbound providers.
func Load(path string) (*Registry, error) {
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	reg, err := New(file.Providers)
	if err != nil {
		return nil, fmt.Errorf("invalid providers file %s: %w", path, err)
	}
	return reg, nil
}

// New validates the given provider declarations and builds a registry.
func New(list []Provider) (*Registry, error) {
	r := &Registry{
		byName:    make(map[string]*Provider),
		byFeature: make(map[string]*Provider),
		pacers:    make(map[string]*rate.Limiter),
	}
	for i := range list {
		p := &list[i]
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d has no name", i)
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("provider %q: base_url %q must be an http(s) URL", p.Name, p.BaseURL)
		}
		if len(p.Methods) == 0 {
			p.Methods = defaultMethods
		}
		for j, m := range p.Methods {
			p.Methods[j] = strings.ToUpper(m)
		}
		if len(p.PathPrefixes) == 0 {
			p.PathPrefixes = []string{"/"}
		}
		for _, prefix := range p.PathPrefixes {
			if !strings.HasPrefix(prefix, "/") {
				return nil, fmt.Errorf("provider %q: path prefix %q must start with /", p.Name, prefix)
			}
		}
		if p.RatePerSecond <= 0 {
			p.RatePerSecond = defaultRatePerSecond
		}
		if p.Burst <= 0 {
			p.Burst = defaultBurst
		}
		for feature, path := range p.Features {
			if !strings.HasPrefix(path, "/") {
				return nil, fmt.Errorf("provider %q: feature %q path %q must start with /", p.Name, feature, path)
			}
			if other, dup := r.byFeature[feature]; dup {
				return nil, fmt.Errorf("feature %q bound to both %q and %q", feature, other.Name, p.Name)
			}
			r.byFeature[feature] = p
		}
		r.byName[p.Name] = p
		r.pacers[p.Name] = rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Burst)
	}
	return r, nil
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown provider %q", name)
	}
	return p, nil
}

// ForFeature returns the provider serving a multimedia feature and the
// provider path bound to it.
func (r *Registry) ForFeature(feature string) (*Provider, string, error) {
	p, ok := r.byFeature[feature]
	if !ok {
		return nil, "", fault.New(fault.Unavailable, "no provider configured for %s", feature)
	}
	return p, p.Features[feature], nil
}

// Pacer returns the outbound rate limiter for a provider. The registry
// creates one per provider at load time, so this never returns nil for a
// name that Get accepts.
func (r *Registry) Pacer(name string) *rate.Limiter {
	return r.pacers[name]
}

// Names lists the configured provider names, for logs and health output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
