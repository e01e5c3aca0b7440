// Package query implements the agent's HTTP surface: a health probe and
// POST /v1/query, a signed query answered with an NDJSON event stream.
//
// The server trusts nothing about its caller. The scope envelope is
// verified before the body is even parsed, public-scope queries are forced
// onto the public tier and a public user identity whatever the body claims,
// and every outbound text chunk passes through the secret filter's rolling
// window before it reaches the wire. The capability session token is moved
// into the runner's environment and wiped from the request; it never
// appears in a log line or stream event.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/logging"
	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/common/trace"
	"github.com/airlock-project/airlock/common/version"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/agent/persona"
	"github.com/airlock-project/airlock/internal/agent/runtime"
)

// Timeout clamp for one query. The caller's timeoutMs lands inside
// [minQueryTimeout, Config.MaxTimeout] no matter what it asked for.
const minQueryTimeout = time.Second

// AnonymousPublicUser names public callers that supplied no identity.
const AnonymousPublicUser = "public:anonymous"

// publicUserPrefix marks identities coerced on the public surface.
const publicUserPrefix = "public:"

// Config holds the query server's tunables. Zero values select the
// defaults.
type Config struct {
	// Service is the name reported by the health probe.
	Service string
	// MaxBodyBytes caps the request body; checked before parsing.
	MaxBodyBytes int64
	// MaxPromptChars caps the prompt, measured in runes.
	MaxPromptChars int
	// MaxTimeout and DefaultTimeout bound one query.
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
	// MaxConcurrent caps queries running at once across all pools.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = "airlock-agent"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = wire.MaxQueryBody
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = wire.MaxPromptChars
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.DefaultTimeout <= 0 || c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// ContextProvider supplies the memory block injected into the system
// prompt. Failures cost context, never the query.
type ContextProvider interface {
	MemoryContext(ctx context.Context, scope envelope.Scope, userID string) (string, error)
}

// TokenMinter mints a capability session token when the caller supplied
// none, so the runner subprocess always has a credential for callbacks.
type TokenMinter interface {
	MintToken(ctx context.Context, scope envelope.Scope, ttl time.Duration) (string, time.Time, error)
}

// Deps are the server's collaborators. Verifier, Runner, and Persona are
// required; Context and Tokens are optional and degrade gracefully.
type Deps struct {
	Verifier *envelope.Verifier
	Runner   runtime.Runner
	Persona  *persona.Builder
	Context  ContextProvider
	Tokens   TokenMinter
	Log      *slog.Logger
}

// Server is the agent's HTTP face.
type Server struct {
	cfg       Config
	verifier  *envelope.Verifier
	runner    runtime.Runner
	persona   *persona.Builder
	context   ContextProvider
	tokens    TokenMinter
	admission *admission
	schema    *jsonschema.Schema
	filter    *redact.Filter
	guard     *redact.PromptGuard
	log       *slog.Logger
	startedAt time.Time
	handler   http.Handler
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("query server needs a verifier")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("query server needs a runner")
	}
	if deps.Persona == nil {
		return nil, fmt.Errorf("query server needs a persona builder")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	schema, err := compileQuerySchema()
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		verifier:  deps.Verifier,
		runner:    deps.Runner,
		persona:   deps.Persona,
		context:   deps.Context,
		tokens:    deps.Tokens,
		admission: newAdmission(cfg.MaxConcurrent),
		schema:    schema,
		filter:    redact.NewFilter(),
		guard:     redact.NewPromptGuard(),
		log:       deps.Log,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/query", s.handleQuery)
	s.handler = mux
	return s, nil
}

// Handler exposes the route table, mainly for tests and the app wiring.
func (s *Server) Handler() http.Handler { return s.handler }

// --- handlers ---

type healthRuntime struct {
	Version       string    `json:"version"`
	Revision      string    `json:"revision"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
}

type healthResponse struct {
	OK      bool          `json:"ok"`
	Service string        `json:"service"`
	Runtime healthRuntime `json:"runtime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:      true,
		Service: s.cfg.Service,
		Runtime: healthRuntime{
			Version:       version.Version,
			Revision:      version.GitCommit,
			StartedAt:     s.startedAt.UTC(),
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
		},
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := trace.FromRequest(r)
	log := logging.WithTrace(ctx)

	// Size gate first: neither the envelope check nor the parser should
	// chew on an oversize body.
	if r.ContentLength > s.cfg.MaxBodyBytes {
		s.writeFault(w, fault.New(fault.OversizeEntry, "request body exceeds %d bytes", s.cfg.MaxBodyBytes))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		s.writeFault(w, fault.New(fault.InvalidArgument, "failed to read request body"))
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		s.writeFault(w, fault.New(fault.OversizeEntry, "request body exceeds %d bytes", s.cfg.MaxBodyBytes))
		return
	}

	// The envelope is checked before the body is parsed; unsigned bytes
	// never reach the JSON decoder.
	scope, err := s.verifier.Verify(r.Method, r.URL.Path, body, r.Header)
	if err != nil {
		log.Warn("query rejected", "reason", fault.KindOf(err))
		s.writeFault(w, err)
		return
	}

	var loose any
	if err := json.Unmarshal(body, &loose); err != nil {
		s.writeFault(w, fault.New(fault.InvalidArgument, "request body is not valid JSON"))
		return
	}
	if err := s.schema.Validate(loose); err != nil {
		s.writeFault(w, fault.New(fault.InvalidArgument, "request body does not match the query schema"))
		return
	}
	var req wire.QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeFault(w, fault.New(fault.InvalidArgument, "request body is not valid JSON"))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeFault(w, fault.New(fault.InvalidArgument, "%s", err.Error()))
		return
	}
	if utf8.RuneCountInString(req.Prompt) > s.cfg.MaxPromptChars {
		s.writeFault(w, fault.New(fault.OversizeEntry, "prompt exceeds %d characters", s.cfg.MaxPromptChars))
		return
	}
	if err := s.guard.Check(req.Prompt); err != nil {
		log.Warn("query rejected", "reason", fault.KindOf(err))
		s.writeFault(w, err)
		return
	}

	tier, err := req.CanonicalTier()
	if err != nil {
		s.writeFault(w, fault.New(fault.InvalidArgument, "%s", err.Error()))
		return
	}

	// Public callers run as the public persona on the public tier under a
	// public identity. The request body has no say in any of the three.
	active := persona.Private
	if scope == envelope.ScopePublic {
		active = persona.Public
		tier = wire.TierPublicSocial
		req.UserID = PublicUserID(req.UserID)
	}

	timeout := s.clampTimeout(req.TimeoutMs)

	// The token leaves the request struct here. From this point it exists
	// only in the job, which hands it to the subprocess environment.
	token := req.SessionToken
	req.SessionToken = ""
	if token == "" && s.tokens != nil {
		token = s.mintToken(ctx, scope, log)
	}

	memCtx := s.memoryContext(ctx, scope, req.UserID, log)
	systemPrompt := s.persona.SystemPrompt(persona.Blocks{
		Active:        active,
		MemoryContext: memCtx,
		CallerAppend:  req.SystemPromptAppend,
	})

	release, err := s.admission.acquire(ctx, req.PoolKey)
	if err != nil {
		// The caller went away while queued; there is no one to answer.
		log.Debug("query abandoned in queue", "pool", req.PoolKey)
		return
	}
	defer release()

	log.Info("query accepted",
		"scope", string(scope),
		"tier", string(tier),
		"pool", req.PoolKey,
		"user", req.UserID,
		"timeout", timeout,
		"resume", req.ResumeSessionID != "",
	)

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.stream(qctx, w, runtime.Job{
		SystemPrompt:    systemPrompt,
		Prompt:          req.Prompt,
		Tier:            tier,
		Cwd:             req.Cwd,
		EnableSkills:    req.EnableSkills,
		ResumeSessionID: req.ResumeSessionID,
		UserID:          req.UserID,
		SessionToken:    token,
	}, log)
}

// PublicUserID coerces a caller-supplied identity onto the public
// namespace. Empty identities become the shared anonymous one.
func PublicUserID(id string) string {
	if id == "" {
		return AnonymousPublicUser
	}
	if strings.HasPrefix(id, publicUserPrefix) {
		return id
	}
	return publicUserPrefix + id
}

func (s *Server) clampTimeout(ms int64) time.Duration {
	d := s.cfg.DefaultTimeout
	if ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	if d < minQueryTimeout {
		d = minQueryTimeout
	}
	if d > s.cfg.MaxTimeout {
		d = s.cfg.MaxTimeout
	}
	return d
}

// mintToken asks the relay for a runner credential. Best effort: a query
// without capabilities still answers, its runner just cannot call back.
func (s *Server) mintToken(ctx context.Context, scope envelope.Scope, log *slog.Logger) string {
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	token, _, err := s.tokens.MintToken(tctx, scope, 0)
	if err != nil {
		log.Warn("session token mint failed", "err", err)
		return ""
	}
	return token
}

// memoryContext fetches the prompt's memory block. Best effort as well.
func (s *Server) memoryContext(ctx context.Context, scope envelope.Scope, userID string, log *slog.Logger) string {
	if s.context == nil {
		return ""
	}
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	block, err := s.context.MemoryContext(mctx, scope, userID)
	if err != nil {
		log.Warn("memory context fetch failed", "err", err)
		return ""
	}
	return block
}

// --- wire helpers ---

type errorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if ra := fault.RetryAfterOf(err); ra > 0 {
		secs := int(ra / time.Second)
		if ra%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, fault.HTTPStatus(kind), errorBody{Error: err.Error(), ErrorCode: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
