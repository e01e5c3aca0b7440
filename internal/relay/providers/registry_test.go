package providers_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/providers"
)

func TestLoad_YAMLWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	data := `providers:
  - name: openai
    base_url: https://api.openai.com
    auth_env: OPENAI_API_KEY
    path_prefixes: [/v1/]
    features:
      tts: /v1/audio/speech
      image-gen: /v1/images/generations
  - name: weather
    base_url: http://10.0.0.9:8080
    methods: [get]
    rate_per_second: 1
    burst: 1
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write providers file: %v", err)
	}

	reg, err := providers.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := reg.Get("openai")
	if err != nil {
		t.Fatalf("Get openai: %v", err)
	}
	if !p.AllowsMethod("post") || !p.AllowsMethod("GET") {
		t.Error("default methods should allow GET and POST")
	}
	if p.AllowsPath("/admin") || !p.AllowsPath("/v1/chat") {
		t.Error("path prefixes not applied")
	}

	w, err := reg.Get("weather")
	if err != nil {
		t.Fatalf("Get weather: %v", err)
	}
	if w.AllowsMethod("POST") {
		t.Error("weather should only allow GET")
	}
	if !w.AllowsPath("/anything") {
		t.Error("default path prefix should cover the whole API")
	}

	if _, err := reg.Get("nope"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("Get unknown: kind = %v, want %v", fault.KindOf(err), fault.NotFound)
	}

	fp, path2, err := reg.ForFeature("tts")
	if err != nil {
		t.Fatalf("ForFeature tts: %v", err)
	}
	if fp.Name != "openai" || path2 != "/v1/audio/speech" {
		t.Errorf("ForFeature tts = (%s, %s), want (openai, /v1/audio/speech)", fp.Name, path2)
	}
	if _, _, err := reg.ForFeature("video"); fault.KindOf(err) != fault.Unavailable {
		t.Errorf("ForFeature unbound: kind = %v, want %v", fault.KindOf(err), fault.Unavailable)
	}

	if reg.Pacer("openai") == nil || reg.Pacer("weather") == nil {
		t.Error("pacers missing for configured providers")
	}
	if got := len(reg.Names()); got != 2 {
		t.Errorf("Names() returned %d entries, want 2", got)
	}
}

func TestLoad_EmptyPathYieldsEmptyRegistry(t *testing.T) {
	reg, err := providers.Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if _, err := reg.Get("anything"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("Get on empty registry: kind = %v, want %v", fault.KindOf(err), fault.NotFound)
	}
}

func TestNew_RejectsBadDeclarations(t *testing.T) {
	cases := []struct {
		name string
		list []providers.Provider
		want string
	}{
		{
			name: "missing name",
			list: []providers.Provider{{BaseURL: "https://x.example"}},
			want: "no name",
		},
		{
			name: "bad base url",
			list: []providers.Provider{{Name: "p", BaseURL: "ftp://x.example"}},
			want: "must be an http(s) URL",
		},
		{
			name: "duplicate provider",
			list: []providers.Provider{
				{Name: "p", BaseURL: "https://a.example"},
				{Name: "p", BaseURL: "https://b.example"},
			},
			want: "duplicate provider",
		},
		{
			name: "relative path prefix",
			list: []providers.Provider{{Name: "p", BaseURL: "https://x.example", PathPrefixes: []string{"v1/"}}},
			want: "must start with /",
		},
		{
			name: "feature bound twice",
			list: []providers.Provider{
				{Name: "a", BaseURL: "https://a.example", Features: map[string]string{"tts": "/speech"}},
				{Name: "b", BaseURL: "https://b.example", Features: map[string]string{"tts": "/tts"}},
			},
			want: "bound to both",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := providers.New(tc.list)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("New = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestAuthValue(t *testing.T) {
	t.Setenv("TESTPROV_KEY", "sekrit")

	p := providers.Provider{Name: "p", AuthEnv: "TESTPROV_KEY"}
	header, value, ok := p.AuthValue()
	if !ok || header != "Authorization" || value != "Bearer sekrit" {
		t.Errorf("AuthValue = (%q, %q, %v), want (Authorization, Bearer sekrit, true)", header, value, ok)
	}

	p.AuthHeader = "X-Api-Key"
	p.AuthScheme = "none"
	header, value, ok = p.AuthValue()
	if !ok || header != "X-Api-Key" || value != "sekrit" {
		t.Errorf("AuthValue raw = (%q, %q, %v), want (X-Api-Key, sekrit, true)", header, value, ok)
	}

	unset := providers.Provider{Name: "q", AuthEnv: "TESTPROV_UNSET_KEY"}
	if _, _, ok := unset.AuthValue(); ok {
		t.Error("AuthValue reported ok for an unset variable")
	}

	none := providers.Provider{Name: "r"}
	if _, _, ok := none.AuthValue(); ok {
		t.Error("AuthValue reported ok with no auth_env configured")
	}
}
