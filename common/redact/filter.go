package redact

import (
	"encoding/base64"
	"encoding/hex"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Match records one detected secret. RedactedForm is safe for audit output:
// it names what was seen without echoing it.
type Match struct {
	PatternID    string
	Severity     Severity
	RedactedForm string
}

// Policy is the caller's blocking stance. Critical matches always block;
// BlockHigh extends blocking to the high tier (outbound chat replies use
// it, provider responses surfaced to the agent do not).
type Policy struct {
	BlockHigh bool
}

// Decision is the filter verdict for one piece of text.
type Decision struct {
	Blocked   bool
	Matches   []Match
	Sanitized string
}

// Filter scans text for secret shapes in four layers: the raw text, base64
// windows, hex windows, and URL-encoded runs. Decoded layers are rescanned
// with the same patterns and their matches tagged with the enclosing
// encoding, e.g. base64(telegram_bot_token).
type Filter struct {
	patterns []Pattern
	entropy  bool

	base64Re *regexp.Regexp
	hexRe    *regexp.Regexp
	urlRe    *regexp.Regexp
}

const (
	minEncodedWindow  = 20
	minURLEscapes     = 3
	minPrintableRatio = 0.8

	entropyThreshold = 4.5
	entropyMinRun    = 32

	// EntropyPatternID tags matches found by entropy rather than shape.
	EntropyPatternID = "HIGH_ENTROPY"
)

// NewFilter returns the full outbound filter: both tiers, all four scan
// layers, and entropy detection.
func NewFilter() *Filter {
	return newFilter(corePatterns, true)
}

// NewInfraFilter returns the inbound variant: critical infrastructure
// patterns only, no entropy, so ordinary prose in user prompts never trips.
func NewInfraFilter() *Filter {
	return newFilter(criticalPatterns(), false)
}

func newFilter(patterns []Pattern, entropy bool) *Filter {
	return &Filter{
		patterns: patterns,
		entropy:  entropy,
		// Window minimums mirror minEncodedWindow: 20 base64 chars, 20 hex
		// chars (10 byte pairs). Escapes need not be adjacent, so urlRe
		// matches one escape and the scan counts occurrences.
		base64Re: regexp.MustCompile(`[A-Za-z0-9+/_-]{20,}={0,2}`),
		hexRe:    regexp.MustCompile(`\b(?:[0-9a-fA-F]{2}){10,}\b`),
		urlRe:    regexp.MustCompile(`%[0-9a-fA-F]{2}`),
	}
}

// taintedWindow is a raw-text span whose decoded form matched a pattern; it
// must be removed from sanitized output alongside raw matches.
type taintedWindow struct {
	text      string
	patternID string
}

type scanResult struct {
	matches []Match
	tainted []taintedWindow
}

// Scan reports every secret found in text, deduplicated by
// (patternID, redactedForm).
func (f *Filter) Scan(text string) []Match {
	return f.scan(text).matches
}

func (f *Filter) scan(text string) scanResult {
	var res scanResult
	res.matches = f.scanLayer(text, "")

	for _, window := range f.base64Re.FindAllString(text, -1) {
		decoded, ok := decodeBase64Window(window)
		if !ok || printableRatio(decoded) < minPrintableRatio {
			continue
		}
		if found := f.scanLayer(string(decoded), "base64"); len(found) > 0 {
			res.matches = append(res.matches, found...)
			res.tainted = append(res.tainted, taintedWindow{window, found[0].PatternID})
		}
	}

	for _, window := range f.hexRe.FindAllString(text, -1) {
		decoded, err := hex.DecodeString(window)
		if err != nil || printableRatio(decoded) < minPrintableRatio {
			continue
		}
		if found := f.scanLayer(string(decoded), "hex"); len(found) > 0 {
			res.matches = append(res.matches, found...)
			res.tainted = append(res.tainted, taintedWindow{window, found[0].PatternID})
		}
	}

	if len(f.urlRe.FindAllStringIndex(text, -1)) >= minURLEscapes {
		// PathUnescape keeps '+' literal; QueryUnescape would mangle base64.
		if decoded, err := url.PathUnescape(text); err == nil && decoded != text {
			res.matches = append(res.matches, f.scanLayer(decoded, "url")...)
		}
	}

	if f.entropy {
		for _, run := range entropyRuns(text) {
			res.matches = append(res.matches, Match{
				PatternID:    EntropyPatternID,
				Severity:     SeverityHigh,
				RedactedForm: maskValue(run),
			})
		}
	}

	res.matches = dedupe(res.matches)
	return res
}

func (f *Filter) scanLayer(text, encoding string) []Match {
	var out []Match
	for _, p := range f.patterns {
		for _, m := range p.re.FindAllString(text, -1) {
			id := p.ID
			if encoding != "" {
				id = encoding + "(" + p.ID + ")"
			}
			out = append(out, Match{PatternID: id, Severity: p.Severity, RedactedForm: maskValue(m)})
		}
	}
	return out
}

// Redact replaces every pattern match with its [REDACTED:<patternId>]
// placeholder and high-entropy runs with [REDACTED:HIGH_ENTROPY].
func (f *Filter) Redact(text string) string {
	return f.redact(text, nil)
}

// span is a claimed region of the original text. Claims are first-wins in
// table order, so the narrow vendor ID beats the generic credential family
// and an already-placed placeholder is never re-matched.
type span struct {
	start, end int
	id         string
}

func (f *Filter) redact(text string, tainted []taintedWindow) string {
	var spans []span
	claim := func(start, end int, id string) {
		for _, s := range spans {
			if start < s.end && end > s.start {
				return
			}
		}
		spans = append(spans, span{start, end, id})
	}
	claimAll := func(sub, id string) {
		for from := 0; ; {
			i := strings.Index(text[from:], sub)
			if i < 0 {
				break
			}
			start := from + i
			claim(start, start+len(sub), id)
			from = start + len(sub)
		}
	}

	for _, p := range f.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			claim(loc[0], loc[1], p.ID)
		}
	}
	// Encoded windows claim before entropy so a base64-wrapped secret keeps
	// its base64(<id>) tag instead of degrading to HIGH_ENTROPY.
	for _, w := range tainted {
		claimAll(w.text, w.patternID)
	}
	if f.entropy {
		for _, run := range entropyRuns(text) {
			claimAll(run, EntropyPatternID)
		}
	}

	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.start])
		b.WriteString("[REDACTED:" + s.id + "]")
		prev = s.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Inspect is the one-call form: scan, decide, sanitize. Sanitized also
// strips encoded windows whose decoded form matched, so a base64-wrapped
// secret does not survive redaction intact.
func (f *Filter) Inspect(text string, policy Policy) Decision {
	res := f.scan(text)
	dec := Decision{Matches: res.matches, Sanitized: text}
	if len(res.matches) == 0 {
		return dec
	}

	for _, m := range res.matches {
		if m.Severity == SeverityCritical || policy.BlockHigh {
			dec.Blocked = true
			break
		}
	}

	dec.Sanitized = f.redact(text, res.tainted)
	return dec
}

// maskValue renders a matched secret for audit output: short values are
// fully masked, longer ones keep the first and last four characters.
func maskValue(v string) string {
	if len(v) <= 12 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func dedupe(matches []Match) []Match {
	if len(matches) < 2 {
		return matches
	}
	seen := make(map[[2]string]bool, len(matches))
	out := matches[:0]
	for _, m := range matches {
		k := [2]string{m.PatternID, m.RedactedForm}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

func printableRatio(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	printable := 0
	for _, c := range b {
		if (c >= 0x20 && c < 0x7f) || c == '\n' || c == '\r' || c == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(len(b))
}

func decodeBase64Window(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}

// entropyRuns returns every run of at least 32 contiguous printable
// non-whitespace characters whose Shannon entropy reaches 4.5 bits/char.
func entropyRuns(text string) []string {
	var runs []string
	start := -1
	for i := 0; i <= len(text); i++ {
		inRun := i < len(text) && text[i] > 0x20 && text[i] < 0x7f
		if inRun {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			run := text[start:i]
			if len(run) >= entropyMinRun && shannonEntropy(run) >= entropyThreshold {
				runs = append(runs, run)
			}
			start = -1
		}
	}
	return runs
}

func shannonEntropy(s string) float64 {
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		h -= p * math.Log2(p)
	}
	return h
}
