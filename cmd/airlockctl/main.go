// Airlockctl is the operator CLI for an airlock deployment: envelope key
// generation, sandbox preflight, session token minting, ad-hoc agent
// queries, identity link codes, and store maintenance.
//
// Exit codes: 0 on success, 2 when a security check found violations,
// 1 for everything else.
package main

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/common/logging"
	"github.com/airlock-project/airlock/common/version"
)

// errSecurityCheck marks failures that must exit 2 so wrapper scripts can
// tell "unsafe" apart from "broken".
var errSecurityCheck = errors.New("security check failed")

func main() {
	_ = godotenv.Load()
	logging.Setup(
		environment.StringOr("LOG_LEVEL", "warn"),
		environment.StringOr("LOG_FORMAT", "text"),
	)

	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errSecurityCheck) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "airlockctl",
		Short:        "Operator tooling for an airlock relay/agent pair",
		Version:      version.Info(),
		SilenceUsage: true,
	}
	root.AddCommand(
		keygenCmd(),
		preflightCmd(),
		tokenCmd(),
		queryCmd(),
		linkCodeCmd(),
		cleanupCmd(),
	)
	return root
}
