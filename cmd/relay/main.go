// Relay is the privileged half of the airlock pair: it holds every
// credential, serves the signed capability API, and polices egress, rate
// limits, and the secret filter on behalf of the sandboxed agent.
//
// All configuration is loaded from environment variables; a .env file in
// the working directory is read first when present.
//
// Required environment variables:
//
//	RELAY_MASTER_KEY        - 64 hex chars; artifact encryption and
//	                          attachment signatures derive from it
//
// Key material (at least one of each pair per scope to be usable):
//
//	DIRECT_RPC_PRIVATE_KEY  - base64 Ed25519 private key (signing)
//	DIRECT_RPC_PUBLIC_KEY   - base64 Ed25519 public key (verification)
//	DIRECT_RPC_SECRET       - shared HMAC secret (legacy deployments)
//	PUBLIC_RPC_*            - same triple for the public scope
//
// Optional environment variables:
//
//	RELAY_PORT              - listen port (default 8787)
//	RELAY_DB_PATH           - SQLite path (default data/relay.db)
//	RELAY_DATA_DIR          - relay-owned state root (default data)
//	RELAY_WORKSPACE_ROOT    - agent workspace for file delivery
//	RELAY_OUTBOX_DIR        - outbox spool for delivered files
//	RELAY_ENDPOINTS_FILE    - YAML egress allowlist
//	RELAY_PROVIDERS_FILE    - YAML provider registry
//	AGENT_URL               - agent query server base URL
//	NETWORK_MODE            - "restricted" (default) or "permissive"
//	ATTACHMENT_REF_TTL_MS   - attachment ref lifetime
//	RELAY_RPC_TIMEOUT_MS    - per-request deadline (default 60000)
//	RELAY_LIMIT_*           - rate limiter dimensions
//	LOG_LEVEL               - "debug", "info", "warn", "error" (default "info")
//	LOG_FORMAT              - "text" or "json" (default "text")
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/common/logging"
	"github.com/airlock-project/airlock/common/version"
	"github.com/airlock-project/airlock/internal/relay/app"
)

func main() {
	// Missing .env is the normal container case.
	_ = godotenv.Load()

	logging.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)
	slog.Info("starting relay", "version", version.Info())

	cfg, err := app.FromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	relay, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize relay", "err", err)
		os.Exit(1)
	}
	defer relay.Stop()

	if err := relay.Run(); err != nil {
		slog.Error("relay exited with error", "err", err)
		os.Exit(1)
	}
}
