package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/internal/relay/store"
)

func linkCodeCmd() *cobra.Command {
	var actor, dbPath string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "link-code",
		Short: "Mint a single-use pairing code binding a chat identity to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor is required")
			}
			st, err := store.New(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			code, err := st.CreateLinkCode(cmd.Context(), actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code.Code)
			fmt.Fprintf(cmd.ErrOrStderr(), "actor %s, expires %s\n",
				code.Actor, code.ExpiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor the code will bind to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "code lifetime (0 means the store default)")
	cmd.Flags().StringVar(&dbPath, "db", defaultDBPath(), "relay database path")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one expiry sweep over the relay store",
		Long: `Delete expired rows across the TTL'd tables: rate windows, sessions,
link codes, attachment refs, and stale approvals. Artifact blobs behind
expired attachment refs are removed by the running relay, not here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Cleanup(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rate windows: %d\n", stats.RateWindows)
			fmt.Fprintf(out, "sessions:     %d\n", stats.Sessions)
			fmt.Fprintf(out, "link codes:   %d\n", stats.LinkCodes)
			fmt.Fprintf(out, "attachments:  %d\n", stats.Attachments)
			fmt.Fprintf(out, "approvals:    %d\n", stats.Approvals)
			if n := len(stats.RemovedAttachmentPaths); n > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d artifact blobs pending removal by the relay\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", defaultDBPath(), "relay database path")
	return cmd
}

func defaultDBPath() string {
	dataDir := environment.StringOr("RELAY_DATA_DIR", "data")
	return environment.StringOr("RELAY_DB_PATH", filepath.Join(dataDir, "relay.db"))
}
