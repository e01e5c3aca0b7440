package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/egress"
)

// Request is one proxied provider call as the agent asked for it.
type Request struct {
	Provider string
	Method   string
	Path     string
	Query    url.Values
	Headers  map[string]string
	Body     []byte
	// AuditContext tags egress audit lines with the requesting actor.
	AuditContext string
}

// Caller executes provider calls: registry lookup, breaker admission,
// pacing, credential injection, then an egress-guarded fetch. It is the only
// path provider traffic leaves the relay on.
type Caller struct {
	reg   *Registry
	br    *Breaker
	guard *egress.Guard
}

// NewCaller wires a caller from its three collaborators.
func NewCaller(reg *Registry, br *Breaker, guard *egress.Guard) *Caller {
	return &Caller{reg: reg, br: br, guard: guard}
}

// Call runs one proxied request against a configured provider.
func (c *Caller) Call(ctx context.Context, req Request) (*egress.Result, error) {
	p, err := c.reg.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, p, req)
}

// FeatureProvider names the provider a feature is bound to, without
// calling it.
func (c *Caller) FeatureProvider(feature string) (string, error) {
	p, _, err := c.reg.ForFeature(feature)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// CallFeature runs a multimedia request against the provider bound to the
// feature, POSTing the JSON body to the configured feature path.
func (c *Caller) CallFeature(ctx context.Context, feature string, body []byte, auditContext string) (*egress.Result, error) {
	p, path, err := c.reg.ForFeature(feature)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, p, Request{
		Provider:     p.Name,
		Method:       http.MethodPost,
		Path:         path,
		Headers:      map[string]string{"Content-Type": "application/json"},
		Body:         body,
		AuditContext: auditContext,
	})
}

func (c *Caller) execute(ctx context.Context, p *Provider, req Request) (*egress.Result, error) {
	if !p.AllowsMethod(req.Method) {
		return nil, fault.New(fault.InvalidArgument, "method %s not allowed for provider %s", req.Method, p.Name)
	}
	if !strings.HasPrefix(req.Path, "/") || !p.AllowsPath(req.Path) {
		return nil, fault.New(fault.InvalidArgument, "path %s not allowed for provider %s", req.Path, p.Name)
	}

	if err := c.br.Allow(ctx, p.Name); err != nil {
		return nil, err
	}
	if err := c.reg.Pacer(p.Name).Wait(ctx); err != nil {
		c.br.Report(ctx, p.Name, true)
		return nil, fault.Wrap(err, fault.TransientNetwork, "provider pacing interrupted")
	}

	target := strings.TrimSuffix(p.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	header := make(http.Header, len(req.Headers)+1)
	authHeader, authValue, hasAuth := p.AuthValue()
	for k, v := range req.Headers {
		// The caller never controls credentials, even for providers
		// with no auth configured.
		if strings.EqualFold(k, "Authorization") || hasAuth && strings.EqualFold(k, authHeader) {
			continue
		}
		header.Set(k, v)
	}
	if hasAuth {
		header.Set(authHeader, authValue)
	}

	res, err := c.guard.Fetch(ctx, strings.ToUpper(req.Method), target, header, req.Body, egress.Options{
		AuditContext: req.AuditContext,
	})
	if err != nil {
		// Policy blocks are the relay refusing, not the provider
		// failing; only transport-level failures count against the
		// breaker.
		c.br.Report(ctx, p.Name, fault.KindOf(err) != fault.TransientNetwork)
		return nil, err
	}
	c.br.Report(ctx, p.Name, res.Response.StatusCode < http.StatusInternalServerError)
	return res, nil
}
