package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/internal/agent/capclient"
)

func tokenCmd() *cobra.Command {
	var scopeName, relayURL string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a capability session token from the relay",
		Long: `Sign a session.token call with the configured envelope keys and print
the minted bearer token on stdout. The relay clamps the TTL to its
allowed range.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := envelope.ParseScope(scopeName)
			if err != nil {
				return err
			}
			if relayURL == "" {
				relayURL = os.Getenv("CAPABILITIES_URL")
			}
			if relayURL == "" {
				return fmt.Errorf("--relay or CAPABILITIES_URL is required")
			}
			signer, err := signerFromEnv()
			if err != nil {
				return err
			}

			client := capclient.New(relayURL, signer)
			token, expiresAt, err := client.MintToken(cmd.Context(), scope, ttl)
			if err != nil {
				return err
			}
			// Token on stdout only, so pipelines capture exactly the
			// credential and nothing else.
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeName, "scope", "direct", `token scope ("direct" or "public")`)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 means the relay default)")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL (default $CAPABILITIES_URL)")
	return cmd
}

// signerFromEnv builds a signer from the DIRECT_RPC_* and PUBLIC_RPC_*
// variables, same scheme as the long-running processes.
func signerFromEnv() (*envelope.Signer, error) {
	direct, err := envelope.KeyFromEnv(
		os.Getenv("DIRECT_RPC_PRIVATE_KEY"),
		os.Getenv("DIRECT_RPC_PUBLIC_KEY"),
		os.Getenv("DIRECT_RPC_SECRET"),
	)
	if err != nil {
		return nil, fmt.Errorf("DIRECT_RPC key material: %w", err)
	}
	public, err := envelope.KeyFromEnv(
		os.Getenv("PUBLIC_RPC_PRIVATE_KEY"),
		os.Getenv("PUBLIC_RPC_PUBLIC_KEY"),
		os.Getenv("PUBLIC_RPC_SECRET"),
	)
	if err != nil {
		return nil, fmt.Errorf("PUBLIC_RPC key material: %w", err)
	}

	ring := envelope.NewKeyring()
	ring.Set(envelope.ScopeDirect, direct)
	ring.Set(envelope.ScopePublic, public)
	return envelope.NewSigner(ring), nil
}
