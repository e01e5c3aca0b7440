// Package app assembles and runs the agent process: key material, the
// persona builder, the runner subprocess wrapper, the relay capability
// client, and the query server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/internal/agent/capclient"
	"github.com/airlock-project/airlock/internal/agent/persona"
	"github.com/airlock-project/airlock/internal/agent/query"
	"github.com/airlock-project/airlock/internal/agent/runtime"
)

// Config holds agent process configuration.
type Config struct {
	// Port is the TCP port the query server listens on.
	Port int
	// Workdir is the runner's default working directory.
	Workdir string
	// RunnerCmd launches the runtime subprocess, split on whitespace.
	RunnerCmd string
	// CapabilitiesURL is the relay base URL. Empty disables token minting
	// and memory context; queries still answer.
	CapabilitiesURL string
	// DirectKey and PublicKey hold the per-scope envelope material.
	DirectKey envelope.Key
	PublicKey envelope.Key
	// Persona material.
	SoulFile        string
	PrivateFile     string
	PublicFile      string
	ProviderSummary string
	// Query limits; zero values select the query package defaults.
	MaxBodyBytes   int64
	MaxPromptChars int
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
	MaxConcurrent  int
}

// FromEnv loads configuration from the AGENT_* environment. Only the runner
// command is required.
func FromEnv() (*Config, error) {
	runnerCmd, err := environment.RequiredString("AGENT_RUNNER_CMD")
	if err != nil {
		return nil, err
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

	return &Config{
		Port:            environment.IntOr("AGENT_PORT", 8790),
		Workdir:         environment.StringOr("AGENT_WORKDIR", "."),
		RunnerCmd:       runnerCmd,
		CapabilitiesURL: os.Getenv("CAPABILITIES_URL"),
		DirectKey:       directKey,
		PublicKey:       publicKey,
		SoulFile:        os.Getenv("AGENT_SOUL_FILE"),
		PrivateFile:     os.Getenv("AGENT_PERSONA_PRIVATE_FILE"),
		PublicFile:      os.Getenv("AGENT_PERSONA_PUBLIC_FILE"),
		ProviderSummary: os.Getenv("AGENT_PROVIDER_SUMMARY"),
		MaxBodyBytes:    int64(environment.IntOr("AGENT_MAX_BODY_BYTES", 0)),
		MaxPromptChars:  environment.IntOr("AGENT_MAX_PROMPT_CHARS", 0),
		MaxTimeout:      time.Duration(environment.IntOr("AGENT_MAX_TIMEOUT_MS", 0)) * time.Millisecond,
		DefaultTimeout:  time.Duration(environment.IntOr("AGENT_DEFAULT_TIMEOUT_MS", 0)) * time.Millisecond,
		MaxConcurrent:   environment.IntOr("AGENT_MAX_CONCURRENT", 0),
	}, nil
}

// App is the assembled agent.
type App struct {
	cfg    *Config
	server *query.Server
	http   *http.Server
}

// New wires the agent from its configuration.
func New(cfg *Config) (*App, error) {
	ring := envelope.NewKeyring()
	ring.Set(envelope.ScopeDirect, cfg.DirectKey)
	ring.Set(envelope.ScopePublic, cfg.PublicKey)
	if !ring.Has(envelope.ScopeDirect) {
		return nil, fmt.Errorf("no direct-scope key material configured (set DIRECT_RPC_PUBLIC_KEY or DIRECT_RPC_SECRET)")
	}
	if !ring.Has(envelope.ScopePublic) {
		slog.Warn("no public-scope key material; public queries will be rejected")
	}

	// The agent's verifier carries no token resolver: bearer tokens are a
	// relay credential and buy nothing here.
	verifier := envelope.NewVerifier(ring)

	builder, err := persona.Load(persona.Config{
		SoulFile:        cfg.SoulFile,
		PrivateFile:     cfg.PrivateFile,
		PublicFile:      cfg.PublicFile,
		ProviderSummary: cfg.ProviderSummary,
	})
	if err != nil {
		return nil, err
	}

	runner, err := runtime.NewSubprocess(cfg.RunnerCmd, cfg.Workdir, cfg.CapabilitiesURL, slog.Default())
	if err != nil {
		return nil, err
	}

	deps := query.Deps{
		Verifier: verifier,
		Runner:   runner,
		Persona:  builder,
		Log:      slog.Default(),
	}
	if cfg.CapabilitiesURL != "" {
		caps := capclient.New(cfg.CapabilitiesURL, envelope.NewSigner(ring))
		deps.Context = caps
		deps.Tokens = caps
		slog.Info("capability client ready", "relay_url", cfg.CapabilitiesURL)
	} else {
		slog.Warn("CAPABILITIES_URL unset; queries run without memory context or session tokens")
	}

	server, err := query.New(query.Config{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxPromptChars: cfg.MaxPromptChars,
		MaxTimeout:     cfg.MaxTimeout,
		DefaultTimeout: cfg.DefaultTimeout,
		MaxConcurrent:  cfg.MaxConcurrent,
	}, deps)
	if err != nil {
		return nil, err
	}

	return &App{cfg: cfg, server: server}, nil
}

// Handler exposes the query server routes, mainly for tests.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run serves queries until SIGINT or SIGTERM.
func (a *App) Run() error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// No write timeout: query streams legitimately run for minutes. The
	// per-query deadline bounds them instead.
	a.http = &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("agent listening", "addr", ln.Addr().String())
		if err := a.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("agent server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts the HTTP server down, giving in-flight streams a grace window.
func (a *App) Stop() {
	if a.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(ctx); err != nil {
		slog.Warn("agent server shutdown error", "err", err)
	}
}
