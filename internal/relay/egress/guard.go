// Package egress is the single gate for HTTP traffic leaving the relay.
// Every outbound request is checked against non-overridable metadata
// blocks, resolved once, validated against the operator allowlist, and then
// dialed through a transport pinned to the just-resolved addresses so the
// connection cannot race DNS to a different host. Redirects are followed
// manually and every hop repeats the full admission check.
package egress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airlock-project/airlock/common/fault"
)

// Mode selects how strictly private destinations are policed.
type Mode string

const (
	// ModeRestricted requires an allowlist entry for any private or
	// special-range destination. The default.
	ModeRestricted Mode = "restricted"
	// ModePermissive skips the allowlist for private ranges. Metadata and
	// link-local blocks still apply. Intended for lab deployments only.
	ModePermissive Mode = "permissive"
)

const (
	// MaxRedirects is the hard ceiling on redirect hops per fetch.
	MaxRedirects = 3
	// DefaultTimeout bounds a whole fetch when the caller sets none.
	DefaultTimeout = 30 * time.Second

	dialTimeout  = 10 * time.Second
	maxDrainSize = 1 << 20
)

// LookupFunc resolves a hostname to its addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Config assembles a Guard.
type Config struct {
	Allowlist *Allowlist
	Mode      Mode
	Logger    *slog.Logger
	Lookup    LookupFunc // nil selects net.DefaultResolver
}

// Guard admits, pins and issues outbound HTTP requests.
type Guard struct {
	allow  *Allowlist
	mode   Mode
	log    *slog.Logger
	lookup LookupFunc
}

func New(cfg Config) *Guard {
	g := &Guard{
		allow:  cfg.Allowlist,
		mode:   cfg.Mode,
		log:    cfg.Logger,
		lookup: cfg.Lookup,
	}
	if g.allow == nil {
		g.allow = &Allowlist{}
	}
	if g.mode == "" {
		g.mode = ModeRestricted
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.lookup == nil {
		g.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	return g
}

// Options tune a single fetch.
type Options struct {
	MaxRedirects int           // values outside (0, MaxRedirects] select MaxRedirects
	Timeout      time.Duration // whole-call budget, DefaultTimeout when zero
	AuditContext string        // recorded with every block
}

// Result is a completed fetch. Callers must read and close
// Response.Body, then call Release.
type Result struct {
	Response *http.Response
	FinalURL string

	once      sync.Once
	closeIdle func()
	cancel    context.CancelFunc
}

// Release closes the pinned client and cancels the fetch timer. It is
// idempotent and also drains the body in case the caller forgot.
func (r *Result) Release() {
	r.once.Do(func() {
		if r.Response != nil && r.Response.Body != nil {
			io.Copy(io.Discard, io.LimitReader(r.Response.Body, maxDrainSize)) //nolint:errcheck
			r.Response.Body.Close()
		}
		if r.closeIdle != nil {
			r.closeIdle()
		}
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// Fetch issues method rawURL with the given header and body, following up
// to opts.MaxRedirects redirects. Every hop re-runs admission, so a
// redirect cannot smuggle traffic to a blocked destination.
func (g *Guard) Fetch(ctx context.Context, method, rawURL string, header http.Header, body []byte, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 || maxRedirects > MaxRedirects {
		maxRedirects = MaxRedirects
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	visited := make(map[string]struct{})
	current := rawURL

	for hop := 0; ; hop++ {
		if _, seen := visited[current]; seen {
			cancel()
			return nil, g.block(opts, fault.RedirectLoop, current, "Blocked redirect loop at %s", current)
		}
		visited[current] = struct{}{}

		target, addrs, err := g.admit(ctx, current, opts)
		if err != nil {
			cancel()
			return nil, err
		}

		transport := pinnedTransport(target.Hostname(), addrs)
		client := &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}

		var reqBody io.Reader
		if len(body) > 0 {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, current, reqBody)
		if err != nil {
			transport.CloseIdleConnections()
			cancel()
			return nil, fault.Wrap(err, fault.InvalidArgument, "bad egress request")
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			transport.CloseIdleConnections()
			cancel()
			return nil, fault.Wrap(err, fault.TransientNetwork, "egress request failed")
		}

		if !isRedirect(resp.StatusCode) {
			return &Result{
				Response:  resp,
				FinalURL:  current,
				closeIdle: transport.CloseIdleConnections,
				cancel:    cancel,
			}, nil
		}

		location := resp.Header.Get("Location")
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize)) //nolint:errcheck
		resp.Body.Close()
		transport.CloseIdleConnections()

		if location == "" {
			cancel()
			return nil, fault.New(fault.TransientNetwork, "redirect without Location from %s", target.Hostname())
		}
		next, err := target.Parse(location)
		if err != nil {
			cancel()
			return nil, fault.Wrap(err, fault.TransientNetwork, "bad redirect location")
		}
		if hop+1 > maxRedirects {
			cancel()
			return nil, g.block(opts, fault.TooManyRedirects, current, "Blocked after %d redirects", maxRedirects)
		}

		// 301/302/303 rewrite non-idempotent methods to GET, as clients do.
		if resp.StatusCode != http.StatusTemporaryRedirect &&
			resp.StatusCode != http.StatusPermanentRedirect &&
			method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
			body = nil
		}
		current = next.String()
	}
}

// admit runs the per-hop checks: scheme, host-literal blocks, resolution,
// per-address metadata blocks and the restricted-mode allowlist.
func (g *Guard) admit(ctx context.Context, rawURL string, opts Options) (*url.URL, []netip.Addr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fault.Wrap(err, fault.InvalidArgument, "unparseable egress URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, g.block(opts, fault.SchemeDenied, u.Scheme, "Blocked scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, nil, fault.New(fault.InvalidArgument, "egress URL has no host")
	}
	if isBlockedHostLiteral(host) {
		return nil, nil, g.block(opts, fault.MetadataBlocked, host, "Blocked metadata endpoint %q", host)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, nil, fault.Wrap(err, fault.InvalidArgument, "bad egress port")
		}
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = g.lookup(ctx, host)
		if err != nil || len(addrs) == 0 {
			if err == nil {
				err = fmt.Errorf("no addresses for %q", host)
			}
			return nil, nil, fault.Wrap(err, fault.DNSFailed, "failed to resolve "+host)
		}
	}

	for _, addr := range addrs {
		if isMetadataAddr(addr) {
			return nil, nil, g.block(opts, fault.MetadataBlocked, addr.String(), "Blocked metadata address %s", addr)
		}
	}

	if g.mode == ModeRestricted && anyPrivate(addrs) {
		switch g.allow.check(host, addrs, port) {
		case verdictAllowed:
		case verdictPortDenied:
			return nil, nil, g.block(opts, fault.PortDenied,
				fmt.Sprintf("%s:%d", host, port), "Blocked port %d on %s", port, host)
		default:
			return nil, nil, g.block(opts, fault.PrivateIPBlocked, host,
				"Blocked private address %s (not allowlisted)", host)
		}
	}
	return u, addrs, nil
}

func anyPrivate(addrs []netip.Addr) bool {
	for _, a := range addrs {
		if isPrivateAddr(a) {
			return true
		}
	}
	return false
}

// block builds the categorical fault and writes the audit record. Nothing
// about the payload is logged, only the destination and the caller context.
func (g *Guard) block(opts Options, kind fault.Kind, target, format string, args ...any) error {
	g.log.Warn("egress blocked",
		"reason", string(kind),
		"target", target,
		"audit_context", opts.AuditContext,
	)
	return fault.New(kind, format, args...)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// pinnedTransport dials only the addresses resolved during admission. Any
// other hostname reaching this transport is a hard dial error, closing the
// TOCTOU window between resolution and connection.
func pinnedTransport(host string, addrs []netip.Addr) *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &http.Transport{
		// No environment proxy: it would tunnel around the pinning.
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			reqHost, reqPort, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if !strings.EqualFold(reqHost, host) {
				return nil, fmt.Errorf("dial to unpinned host %q", reqHost)
			}
			var lastErr error
			for _, a := range addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.Unmap().String(), reqPort))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no pinned addresses for %q", host)
			}
			return nil, lastErr
		},
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
