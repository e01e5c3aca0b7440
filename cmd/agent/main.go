// Agent is the sandboxed half of the airlock pair: it answers signed
// queries with NDJSON streams by driving a runner subprocess, and reaches
// the outside world only through the relay's capability API.
//
// All configuration is loaded from environment variables; a .env file in
// the working directory is read first when present.
//
// Required environment variables:
//
//	AGENT_RUNNER_CMD           - runner command line (split on whitespace)
//
// Key material (same scheme as the relay):
//
//	DIRECT_RPC_PRIVATE_KEY     - base64 Ed25519 private key (signing)
//	DIRECT_RPC_PUBLIC_KEY      - base64 Ed25519 public key (verification)
//	DIRECT_RPC_SECRET          - shared HMAC secret (legacy deployments)
//	PUBLIC_RPC_*               - same triple for the public scope
//
// Optional environment variables:
//
//	AGENT_PORT                 - listen port (default 8790)
//	AGENT_WORKDIR              - runner working directory (default .)
//	CAPABILITIES_URL           - relay base URL for callbacks
//	AGENT_MAX_BODY_BYTES       - query body cap (default 262144)
//	AGENT_MAX_PROMPT_CHARS     - prompt cap in runes (default 100000)
//	AGENT_MAX_TIMEOUT_MS       - hard per-query ceiling (default 600000)
//	AGENT_DEFAULT_TIMEOUT_MS   - deadline when the query names none
//	AGENT_MAX_CONCURRENT       - concurrent query cap (default 4)
//	AGENT_SOUL_FILE            - shared identity block
//	AGENT_PERSONA_PRIVATE_FILE - private persona description
//	AGENT_PERSONA_PUBLIC_FILE  - public persona description
//	AGENT_PROVIDER_SUMMARY     - inline capability summary for the prompt
//	LOG_LEVEL                  - "debug", "info", "warn", "error" (default "info")
//	LOG_FORMAT                 - "text" or "json" (default "text")
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/common/logging"
	"github.com/airlock-project/airlock/common/version"
	"github.com/airlock-project/airlock/internal/agent/app"
)

func main() {
	_ = godotenv.Load()

	logging.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)
	slog.Info("starting agent", "version", version.Info())

	cfg, err := app.FromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	agent, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize agent", "err", err)
		os.Exit(1)
	}
	defer agent.Stop()

	if err := agent.Run(); err != nil {
		slog.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
}
