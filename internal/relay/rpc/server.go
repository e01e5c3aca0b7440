// Package rpc is the relay's capability router. Every capability request
// passes the same pipeline in the same order: authenticate (signed envelope
// or bearer session token), rate-limit, scope-gate, then the handler.
// Invalid credentials never consume rate budget and valid credentials never
// skip it.
//
// Handlers return a JSON-encodable response or a fault; the router renders
// faults as {"error", "errorCode"} with the status from fault.HTTPStatus
// and a Retry-After header when the fault carries one.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/relay/artifacts"
	"github.com/airlock-project/airlock/internal/relay/attach"
	"github.com/airlock-project/airlock/internal/relay/audit"
	"github.com/airlock-project/airlock/internal/relay/metrics"
	"github.com/airlock-project/airlock/internal/relay/outbox"
	"github.com/airlock-project/airlock/internal/relay/providers"
	"github.com/airlock-project/airlock/internal/relay/ratelimit"
	"github.com/airlock-project/airlock/internal/relay/store"
	"github.com/airlock-project/airlock/internal/relay/tokens"
)

// MaxBodyBytes caps every capability request body before authentication.
const MaxBodyBytes = 1 << 20

// Deps collects the collaborators the router dispatches to.
type Deps struct {
	Verifier  *envelope.Verifier
	Limiter   *ratelimit.Limiter
	Tokens    *tokens.Issuer
	Store     *store.Store
	Providers *providers.Caller
	Artifacts *artifacts.Store
	Attach    *attach.Minter
	Outbox    *outbox.Spooler
	Audit     *audit.Trail
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Server routes capability requests.
type Server struct {
	verifier  *envelope.Verifier
	limiter   *ratelimit.Limiter
	tokens    *tokens.Issuer
	store     *store.Store
	providers *providers.Caller
	artifacts *artifacts.Store
	attach    *attach.Minter
	outbox    *outbox.Spooler
	audit     *audit.Trail
	metrics   *metrics.Metrics
	log       *slog.Logger

	// outFilter screens provider responses bound for the caller; the
	// infra-only guard screens inbound memory content.
	outFilter   *redact.Filter
	promptGuard *redact.PromptGuard

	proposeSchema *jsonschema.Schema

	now func() time.Time
}

// New builds the router. All Deps fields are required except Log, which
// defaults to slog.Default().
func New(d Deps) (*Server, error) {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	schema, err := compileProposeSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		verifier:      d.Verifier,
		limiter:       d.Limiter,
		tokens:        d.Tokens,
		store:         d.Store,
		providers:     d.Providers,
		artifacts:     d.Artifacts,
		attach:        d.Attach,
		outbox:        d.Outbox,
		audit:         d.Audit,
		metrics:       d.Metrics,
		log:           d.Log,
		outFilter:     redact.NewFilter(),
		promptGuard:   redact.NewPromptGuard(),
		proposeSchema: schema,
		now:           time.Now,
	}, nil
}

// call is one authenticated capability request.
type call struct {
	scope envelope.Scope
	actor string
	body  []byte
}

// route is one row of the capability table. A nil scopes slice admits any
// authenticated caller. envelopeOnly routes refuse bearer tokens so a token
// holder cannot use them; feature names the multimedia budget the route
// draws from, in addition to the standard one.
type route struct {
	method       string
	path         string
	scopes       []envelope.Scope
	feature      string
	envelopeOnly bool
	handler      func(ctx context.Context, c *call) (any, error)
}

func (rt *route) allows(scope envelope.Scope) bool {
	if rt.scopes == nil {
		return true
	}
	for _, s := range rt.scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Routes builds the full capability route table.
func (s *Server) Routes() *mux.Router {
	directOnly := []envelope.Scope{envelope.ScopeDirect}
	directOrPublic := []envelope.Scope{envelope.ScopeDirect, envelope.ScopePublic}

	table := []route{
		{http.MethodPost, "/v1/memory.propose", directOrPublic, "", false, s.handleMemoryPropose},
		{http.MethodPost, "/v1/memory.snapshot", directOrPublic, "", false, s.handleMemorySnapshot},
		{http.MethodPost, "/v1/memory.quarantine", directOnly, "", false, s.handleMemoryQuarantine},
		{http.MethodPost, "/v1/memory.promote", directOnly, "", false, s.handleMemoryPromote},
		{http.MethodPost, "/v1/tts", nil, "tts", false, s.handleTTS},
		{http.MethodPost, "/v1/image.generate", nil, "image-gen", false, s.handleImageGenerate},
		{http.MethodPost, "/v1/transcribe", nil, "transcription", false, s.handleTranscribe},
		{http.MethodPost, "/v1/provider.proxy", nil, "", false, s.handleProviderProxy},
		{http.MethodPost, "/v1/deliver-local-file", nil, "", false, s.handleDeliverLocalFile},
		{http.MethodPost, "/v1/session.token", nil, "token-refresh", true, s.handleSessionToken},
	}

	r := mux.NewRouter()
	for _, rt := range table {
		r.HandleFunc(rt.path, s.handle(rt)).Methods(rt.method)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handle(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		status := s.serve(w, r, rt)
		s.metrics.ObserveRequest(rt.path, status, s.now().Sub(start).Seconds())
	}
}

// serve runs the capability pipeline and returns the HTTP status it wrote.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, rt route) int {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		return s.writeFault(w, err)
	}

	scope, err := s.authenticate(r, body, rt)
	if err != nil {
		s.metrics.RecordAuthFailure(string(fault.KindOf(err)))
		s.audit.Record(ctx, audit.Event{
			Kind:   audit.KindAuthRejected,
			Actor:  "unverified",
			Target: rt.path,
			Detail: err.Error(),
		})
		return s.writeFault(w, err)
	}

	actor := actorFrom(body, scope)

	if err := s.limiter.Allow(ctx, actor, tierForScope(scope), s.now()); err != nil {
		return s.rateLimited(ctx, w, rt.path, actor, store.LimiterStandard, err)
	}
	if rt.feature != "" {
		if err := s.limiter.AllowFeature(ctx, rt.feature, actor, s.now()); err != nil {
			return s.rateLimited(ctx, w, rt.path, actor, store.LimiterMultimedia, err)
		}
	}

	if !rt.allows(scope) {
		err := fault.New(fault.ScopeDenied, "scope %q may not call %s", scope, rt.path)
		s.audit.Record(ctx, audit.Event{
			Kind:   audit.KindScopeDenied,
			Actor:  actor,
			Target: rt.path,
			Detail: "scope " + string(scope),
		})
		return s.writeFault(w, err)
	}

	resp, err := rt.handler(ctx, &call{scope: scope, actor: actor, body: body})
	if err != nil {
		return s.writeFault(w, err)
	}
	return writeJSON(w, http.StatusOK, resp)
}

// authenticate resolves the caller's scope. Envelope-only routes skip the
// bearer path entirely: a session token must not mint or refresh tokens.
func (s *Server) authenticate(r *http.Request, body []byte, rt route) (envelope.Scope, error) {
	if rt.envelopeOnly {
		return s.verifier.Verify(r.Method, r.URL.Path, body, r.Header)
	}
	return s.verifier.VerifyRequest(r, body)
}

func (s *Server) rateLimited(ctx context.Context, w http.ResponseWriter, path, actor, limiter string, err error) int {
	s.metrics.RecordRateLimited(limiter)
	s.audit.Record(ctx, audit.Event{
		Kind:   audit.KindRateLimited,
		Actor:  actor,
		Target: path,
		Detail: err.Error(),
	})
	return s.writeFault(w, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "airlock-relay",
	})
}

// tierForScope maps a caller scope onto the rate-limit tier dimension.
// Capability calls carry no tier of their own; public callers ride the
// public-social budget and direct callers the full-access one.
func tierForScope(scope envelope.Scope) wire.Tier {
	if scope == envelope.ScopePublic {
		return wire.TierPublicSocial
	}
	return wire.TierFullAccess
}

// actorFrom picks the rate-limit and audit identity: the body's userId when
// one is present, otherwise a scope-wide bucket.
func actorFrom(body []byte, scope envelope.Scope) string {
	var peek struct {
		UserID string `json:"userId"`
	}
	if len(body) > 0 && json.Unmarshal(body, &peek) == nil && peek.UserID != "" {
		return peek.UserID
	}
	return "scope:" + string(scope)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fault.New(fault.OversizeEntry, "request body exceeds %d bytes", MaxBodyBytes)
		}
		return nil, fault.Wrap(err, fault.InvalidArgument, "failed to read request body")
	}
	return body, nil
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// writeFault renders an error in the wire shape. Rate and availability
// responses carry Retry-After when the fault knows how long to wait.
func (s *Server) writeFault(w http.ResponseWriter, err error) int {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	if ra := fault.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(ra)))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), ErrorCode: string(kind)})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	return status
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
