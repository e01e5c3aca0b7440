package rpc

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/internal/relay/attach"
	"github.com/airlock-project/airlock/internal/relay/audit"
	"github.com/airlock-project/airlock/internal/relay/providers"
)

// maxInlineProxy is the largest provider response relayed inline. Bigger
// or binary responses become attachment refs so the agent never buffers
// blobs through its context.
const maxInlineProxy = 256 << 10

type proxyRequest struct {
	Provider string            `json:"provider"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	// Body is forwarded as given. A JSON string is unwrapped to its raw
	// bytes so form-encoded payloads survive; any other JSON value is
	// forwarded verbatim.
	Body   json.RawMessage `json:"body,omitempty"`
	UserID string          `json:"userId,omitempty"`
}

// proxyInline is the response for text-shaped provider output.
type proxyInline struct {
	Status   int    `json:"status"`
	MimeType string `json:"mimeType"`
	Body     string `json:"body"`
}

// proxyArtifact is the response when the output became an artifact.
type proxyArtifact struct {
	Status        int       `json:"status"`
	MimeType      string    `json:"mimeType"`
	SizeBytes     int64     `json:"sizeBytes"`
	AttachmentRef string    `json:"attachmentRef"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (s *Server) handleProviderProxy(ctx context.Context, c *call) (any, error) {
	var req proxyRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if req.Provider == "" || req.Method == "" || req.Path == "" {
		return nil, fault.New(fault.InvalidArgument, "provider, method and path are required")
	}

	query := url.Values{}
	for k, v := range req.Query {
		query.Set(k, v)
	}

	res, err := s.providers.Call(ctx, providers.Request{
		Provider:     req.Provider,
		Method:       strings.ToUpper(req.Method),
		Path:         req.Path,
		Query:        query,
		Headers:      req.Headers,
		Body:         proxyBody(req.Body),
		AuditContext: c.actor,
	})
	if err != nil {
		s.recordProxyFailure(ctx, c.actor, req.Provider, err)
		return nil, err
	}
	defer res.Release()
	s.metrics.RecordProviderCall(req.Provider, "ok")

	status := res.Response.StatusCode
	data, mimeType, err := readProxyBody(res.Response)
	if err != nil {
		return nil, err
	}

	if isTextLike(mimeType) && len(data) <= maxInlineProxy {
		body, err := s.screenOutbound(ctx, c.actor, req.Provider, string(data))
		if err != nil {
			return nil, err
		}
		return proxyInline{Status: status, MimeType: mimeType, Body: body}, nil
	}

	rel, err := s.artifacts.Put(data)
	if err != nil {
		return nil, err
	}
	ref, expiresAt, err := s.attach.Mint(ctx, attach.Artifact{
		Actor:     c.actor,
		Provider:  req.Provider,
		Filepath:  rel,
		Filename:  proxyFilename(req.Path, mimeType),
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		return nil, err
	}
	return proxyArtifact{
		Status:        status,
		MimeType:      mimeType,
		SizeBytes:     int64(len(data)),
		AttachmentRef: ref,
		ExpiresAt:     expiresAt,
	}, nil
}

// screenOutbound filters provider text headed back to the agent: critical
// findings block the response, high findings travel redacted.
func (s *Server) screenOutbound(ctx context.Context, actor, provider, text string) (string, error) {
	d := s.outFilter.Inspect(text, redact.Policy{})
	if d.Blocked {
		s.metrics.RecordRedaction(firstPattern(d.Matches), string(redact.SeverityCritical))
		s.audit.Record(ctx, audit.Event{
			Kind:   audit.KindSecretBlocked,
			Actor:  actor,
			Target: provider,
			Detail: "provider response withheld",
		})
		return "", fault.New(fault.InfraSecretDetected, "provider response contains secret material")
	}
	if len(d.Matches) > 0 {
		s.metrics.RecordRedaction(d.Matches[0].PatternID, string(redact.SeverityHigh))
		s.audit.Record(ctx, audit.Event{
			Kind:   audit.KindSecretRedacted,
			Actor:  actor,
			Target: provider,
			Detail: d.Matches[0].PatternID,
		})
		return d.Sanitized, nil
	}
	return text, nil
}

// firstPattern names the pattern behind a filter decision for metric labels.
func firstPattern(matches []redact.Match) string {
	if len(matches) == 0 {
		return "unknown"
	}
	return matches[0].PatternID
}

// recordProxyFailure classifies a failed provider call for audit and
// metrics. Egress guard blocks are policy events; everything else is a
// provider error.
func (s *Server) recordProxyFailure(ctx context.Context, actor, provider string, err error) {
	kind := fault.KindOf(err)
	if egressKinds[kind] {
		s.metrics.RecordEgressBlocked(string(kind))
		s.audit.Record(ctx, audit.Event{
			Kind:   audit.KindEgressBlocked,
			Actor:  actor,
			Target: provider,
			Detail: err.Error(),
		})
		return
	}
	s.metrics.RecordProviderCall(provider, "error")
}

var egressKinds = map[fault.Kind]bool{
	fault.SchemeDenied:     true,
	fault.MetadataBlocked:  true,
	fault.PrivateIPBlocked: true,
	fault.PortDenied:       true,
	fault.DNSFailed:        true,
	fault.RedirectLoop:     true,
	fault.TooManyRedirects: true,
}

func proxyBody(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []byte(s)
	}
	return []byte(raw)
}

// readCapped buffers a provider body, refusing anything past the cap.
func readCapped(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fault.Wrap(err, fault.TransientNetwork, "failed to read provider response")
	}
	if len(data) > limit {
		return nil, fault.New(fault.OversizeEntry, "provider response exceeds %d MiB", limit>>20)
	}
	return data, nil
}

func readProxyBody(resp *http.Response) ([]byte, string, error) {
	data, err := readCapped(resp.Body, maxMediaResponse)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil && mt != "" {
		mimeType = mt
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func isTextLike(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch {
	case strings.Contains(mimeType, "json"),
		strings.Contains(mimeType, "xml"),
		strings.Contains(mimeType, "javascript"),
		strings.Contains(mimeType, "x-www-form-urlencoded"):
		return true
	}
	return false
}

// proxyFilename derives an inspection-friendly name from the request path.
func proxyFilename(path, mimeType string) string {
	base := strings.Trim(path, "/")
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		base = "response"
	}
	if !strings.Contains(base, ".") {
		base += extForMime(mimeType)
	}
	return base
}
