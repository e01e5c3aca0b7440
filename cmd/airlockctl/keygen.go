package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var hmac bool
	var scope string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate envelope key material and print it as env lines",
		Long: `Generate fresh envelope key material for one scope.

The default is an Ed25519 pair: give the private key to signers (the chat
loop for direct, the ingress bridge for public, the agent for callbacks)
and the public key to verifiers. --hmac prints a single shared secret for
legacy deployments instead; both sides then hold the same value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := scopePrefix(scope)
			if err != nil {
				return err
			}

			if hmac {
				secret := make([]byte, 32)
				if _, err := rand.Read(secret); err != nil {
					return fmt.Errorf("generate secret: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s_SECRET=%s\n",
					prefix, base64.RawStdEncoding.EncodeToString(secret))
				return nil
			}

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s_PRIVATE_KEY=%s\n",
				prefix, base64.StdEncoding.EncodeToString(priv.Seed()))
			fmt.Fprintf(out, "%s_PUBLIC_KEY=%s\n",
				prefix, base64.StdEncoding.EncodeToString(pub))
			return nil
		},
	}

	cmd.Flags().BoolVar(&hmac, "hmac", false, "generate a shared HMAC secret instead of an Ed25519 pair")
	cmd.Flags().StringVar(&scope, "scope", "direct", `scope the variables are named for ("direct" or "public")`)
	return cmd
}

func scopePrefix(scope string) (string, error) {
	switch scope {
	case "direct":
		return "DIRECT_RPC", nil
	case "public":
		return "PUBLIC_RPC", nil
	}
	return "", fmt.Errorf("unknown scope %q (want direct or public)", scope)
}
