// Package app assembles and runs the relay process: configuration, the
// persistent store, key material, the capability router, and the background
// expiry sweep.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/airlock-project/airlock/common/crypto"
	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/internal/relay/agentclient"
	"github.com/airlock-project/airlock/internal/relay/artifacts"
	"github.com/airlock-project/airlock/internal/relay/attach"
	"github.com/airlock-project/airlock/internal/relay/audit"
	"github.com/airlock-project/airlock/internal/relay/egress"
	"github.com/airlock-project/airlock/internal/relay/metrics"
	"github.com/airlock-project/airlock/internal/relay/outbox"
	"github.com/airlock-project/airlock/internal/relay/providers"
	"github.com/airlock-project/airlock/internal/relay/ratelimit"
	"github.com/airlock-project/airlock/internal/relay/rpc"
	"github.com/airlock-project/airlock/internal/relay/store"
	"github.com/airlock-project/airlock/internal/relay/tokens"
)

// DefaultCleanupInterval paces the background expiry sweep.
const DefaultCleanupInterval = 5 * time.Minute

// Config holds relay process configuration.
type Config struct {
	// Port is the TCP port the capability router listens on.
	Port int
	// DBPath locates the SQLite database file.
	DBPath string
	// DataDir is the root for relay-owned state; artifact blobs live in
	// its artifacts/ subdirectory.
	DataDir string
	// MasterKey is the 32-byte relay master key. Artifact encryption and
	// attachment signatures derive from it.
	MasterKey []byte
	// DirectKey and PublicKey hold the per-scope envelope material.
	DirectKey envelope.Key
	PublicKey envelope.Key
	// WorkspaceRoot and OutboxDir configure file delivery. Leaving either
	// empty disables deliver-local-file and workspace transcription.
	WorkspaceRoot string
	OutboxDir     string
	// EndpointsFile is the YAML egress allowlist. Empty means no private
	// destination is reachable in restricted mode.
	EndpointsFile string
	// ProvidersFile is the YAML provider registry. Empty means every
	// provider call fails with unknown provider.
	ProvidersFile string
	// AgentURL is the agent query server base URL. Empty disables the
	// conversation client.
	AgentURL string
	// NetworkMode selects egress strictness: "restricted" (default) or
	// "permissive".
	NetworkMode string
	// AttachmentTTL bounds attachment ref lifetime; zero selects the
	// attach package default.
	AttachmentTTL time.Duration
	// RPCTimeout bounds each capability request; zero selects 60 s.
	RPCTimeout time.Duration
	// Limits carries the rate limiter dimensions.
	Limits ratelimit.Limits
	// CleanupInterval paces the expiry sweep; zero selects the default.
	CleanupInterval time.Duration
}

// FromEnv loads configuration from the RELAY_* environment. Only the master
// key is required; everything else has a workable default.
func FromEnv() (*Config, error) {
	masterHex, err := environment.RequiredString("RELAY_MASTER_KEY")
	if err != nil {
		return nil, err
	}
	masterKey, err := crypto.ParseMasterKey(masterHex)
	if err != nil {
		return nil, fmt.Errorf("RELAY_MASTER_KEY: %w", err)
	}

	directKey, err := envelope.KeyFromEnv(
		os.Getenv("DIRECT_RPC_PRIVATE_KEY"),
		os.Getenv("DIRECT_RPC_PUBLIC_KEY"),
		os.Getenv("DIRECT_RPC_SECRET"),
	)
	if err != nil {
		return nil, fmt.Errorf("DIRECT_RPC key material: %w", err)
	}
	publicKey, err := envelope.KeyFromEnv(
		os.Getenv("PUBLIC_RPC_PRIVATE_KEY"),
		os.Getenv("PUBLIC_RPC_PUBLIC_KEY"),
		os.Getenv("PUBLIC_RPC_SECRET"),
	)
	if err != nil {
		return nil, fmt.Errorf("PUBLIC_RPC key material: %w", err)
	}

	dataDir := environment.StringOr("RELAY_DATA_DIR", "data")
	return &Config{
		Port:            environment.IntOr("RELAY_PORT", 8787),
		DBPath:          environment.StringOr("RELAY_DB_PATH", filepath.Join(dataDir, "relay.db")),
		DataDir:         dataDir,
		MasterKey:       masterKey,
		DirectKey:       directKey,
		PublicKey:       publicKey,
		WorkspaceRoot:   os.Getenv("RELAY_WORKSPACE_ROOT"),
		OutboxDir:       os.Getenv("RELAY_OUTBOX_DIR"),
		EndpointsFile:   os.Getenv("RELAY_ENDPOINTS_FILE"),
		ProvidersFile:   os.Getenv("RELAY_PROVIDERS_FILE"),
		AgentURL:        os.Getenv("AGENT_URL"),
		NetworkMode:     environment.StringOr("NETWORK_MODE", string(egress.ModeRestricted)),
		AttachmentTTL:   time.Duration(environment.IntOr("ATTACHMENT_REF_TTL_MS", 0)) * time.Millisecond,
		RPCTimeout:      time.Duration(environment.IntOr("RELAY_RPC_TIMEOUT_MS", 0)) * time.Millisecond,
		Limits:          ratelimit.LimitsFromEnv(),
		CleanupInterval: environment.DurationOr("RELAY_CLEANUP_INTERVAL", DefaultCleanupInterval),
	}, nil
}

// App is the assembled relay.
type App struct {
	cfg           *Config
	store         *store.Store
	tokens        *tokens.Issuer
	artifacts     *artifacts.Store
	metrics       *metrics.Metrics
	conversations *agentclient.Conversations
	handler       http.Handler
	server        *http.Server
}

// New wires the relay from its configuration. The returned App owns the
// store; call Stop to release it.
func New(cfg *Config) (*App, error) {
	slog.Info("opening relay store", "path", cfg.DBPath)
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ring := envelope.NewKeyring()
	ring.Set(envelope.ScopeDirect, cfg.DirectKey)
	ring.Set(envelope.ScopePublic, cfg.PublicKey)
	if !ring.Has(envelope.ScopeDirect) {
		st.Close()
		return nil, fmt.Errorf("no direct-scope key material configured (set DIRECT_RPC_PUBLIC_KEY or DIRECT_RPC_SECRET)")
	}
	if !ring.Has(envelope.ScopePublic) {
		slog.Warn("no public-scope key material; public callers will be rejected")
	}

	issuer := tokens.NewIssuer()
	verifier := envelope.NewVerifier(ring, envelope.WithTokenResolver(issuer))
	limiter := ratelimit.New(st, cfg.Limits)

	blobs, err := artifacts.New(filepath.Join(cfg.DataDir, "artifacts"), cfg.MasterKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	minter, err := attach.NewMinter(st, cfg.MasterKey, cfg.AttachmentTTL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build attachment minter: %w", err)
	}

	allow, err := egress.LoadAllowlist(cfg.EndpointsFile)
	if err != nil {
		st.Close()
		return nil, err
	}
	guard := egress.New(egress.Config{
		Allowlist: allow,
		Mode:      egress.Mode(cfg.NetworkMode),
	})
	slog.Info("egress guard ready", "mode", cfg.NetworkMode, "allowlist_entries", allow.Len())

	registry, err := providers.Load(cfg.ProvidersFile)
	if err != nil {
		st.Close()
		return nil, err
	}
	caller := providers.NewCaller(registry, providers.NewBreaker(st, slog.Default()), guard)
	slog.Info("provider registry ready", "providers", registry.Names())

	spooler, err := outbox.New(cfg.WorkspaceRoot, cfg.OutboxDir, redact.NewFilter(), minter)
	if err != nil {
		st.Close()
		return nil, err
	}
	if cfg.WorkspaceRoot == "" || cfg.OutboxDir == "" {
		slog.Warn("file delivery disabled", "workspace_root", cfg.WorkspaceRoot, "outbox_dir", cfg.OutboxDir)
	}

	m := metrics.New()
	srv, err := rpc.New(rpc.Deps{
		Verifier:  verifier,
		Limiter:   limiter,
		Tokens:    issuer,
		Store:     st,
		Providers: caller,
		Artifacts: blobs,
		Attach:    minter,
		Outbox:    spooler,
		Audit:     audit.New(slog.Default()),
		Metrics:   m,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	router := srv.Routes()
	router.Use(withTimeout(cfg.rpcTimeout()))

	// The conversation client is the relay's outbound leg: the chat loop
	// embedding this process queries the agent through it so follow-up
	// messages resume the runtime session that served the chat.
	var conv *agentclient.Conversations
	if cfg.AgentURL != "" {
		signer := envelope.NewSigner(ring)
		client := agentclient.New(cfg.AgentURL, signer)
		client.InstrumentStreams(m.QueryStreamsActive)
		conv = agentclient.NewConversations(client, st, slog.Default())
		slog.Info("agent client ready", "agent_url", cfg.AgentURL)
	}

	return &App{
		cfg:           cfg,
		store:         st,
		tokens:        issuer,
		artifacts:     blobs,
		metrics:       m,
		conversations: conv,
		handler:       router,
	}, nil
}

func (c *Config) rpcTimeout() time.Duration {
	if c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return time.Minute
}

func (c *Config) cleanupInterval() time.Duration {
	if c.CleanupInterval > 0 {
		return c.CleanupInterval
	}
	return DefaultCleanupInterval
}

// Handler exposes the capability router, mainly for tests that mount the
// relay on an in-process listener.
func (a *App) Handler() http.Handler { return a.handler }

// Conversations exposes the relay→agent query client, or nil when AGENT_URL
// is unset.
func (a *App) Conversations() *agentclient.Conversations { return a.conversations }

// Run serves the capability router until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("relay listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("relay server stopped", "err", err)
		}
	}()

	go a.cleanupLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts the HTTP server down and closes the store.
func (a *App) Stop() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("relay server shutdown error", "err", err)
		}
	}
	slog.Info("closing relay store")
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "err", err)
	}
}

// cleanupLoop periodically expires TTL'd rows and deletes the artifact
// blobs of expired attachment refs.
func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.cleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.CleanupOnce(ctx, time.Now())
		}
	}
}

// CleanupOnce runs one expiry sweep: TTL'd store rows, in-memory session
// tokens, and the artifact files behind expired attachment refs.
func (a *App) CleanupOnce(ctx context.Context, now time.Time) {
	stats, err := a.store.Cleanup(ctx, now)
	if err != nil {
		slog.Warn("cleanup sweep failed", "err", err)
		return
	}
	removed := 0
	for _, path := range stats.RemovedAttachmentPaths {
		// Outbox spool copies are recorded with absolute paths and belong
		// to the chat loop that consumes them; only relay-owned artifact
		// blobs are deleted here.
		if filepath.IsAbs(path) {
			continue
		}
		if err := a.artifacts.Remove(path); err != nil {
			slog.Warn("failed to remove expired artifact", "path", path, "err", err)
			continue
		}
		removed++
	}
	swept := a.tokens.Sweep(now)
	slog.Debug("cleanup sweep done",
		"rate_windows", stats.RateWindows,
		"sessions", stats.Sessions,
		"link_codes", stats.LinkCodes,
		"attachments", stats.Attachments,
		"approvals", stats.Approvals,
		"artifacts_removed", removed,
		"tokens_swept", swept,
	)
}

// withTimeout bounds each capability request with a context deadline.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
