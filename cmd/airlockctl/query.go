package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/relay/agentclient"
)

func queryCmd() *cobra.Command {
	var scopeName, tier, pool, user, agentURL, prompt string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "query [prompt...]",
		Short: "Send one query to the agent and stream its answer",
		Long: `Sign a query in the chosen scope, send it to the agent, and print the
text stream to stdout as it arrives. Tool activity and the final summary
go to stderr. Exits 1 when the agent reports failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" && len(args) > 0 {
				prompt = strings.Join(args, " ")
			}
			if prompt == "" {
				return fmt.Errorf("a prompt is required (--prompt or positional)")
			}
			scope, err := envelope.ParseScope(scopeName)
			if err != nil {
				return err
			}
			if agentURL == "" {
				agentURL = os.Getenv("AGENT_URL")
			}
			if agentURL == "" {
				return fmt.Errorf("--agent or AGENT_URL is required")
			}
			signer, err := signerFromEnv()
			if err != nil {
				return err
			}

			client := agentclient.New(agentURL, signer)
			req := &wire.QueryRequest{
				Prompt:    prompt,
				Tier:      tier,
				PoolKey:   pool,
				UserID:    user,
				TimeoutMs: timeout.Milliseconds(),
			}

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			res, err := client.Query(cmd.Context(), scope, req, func(evt *wire.Event) error {
				switch evt.Type {
				case wire.EventText:
					fmt.Fprint(out, evt.Content)
				case wire.EventToolUse:
					fmt.Fprintf(errOut, "[tool] %s\n", evt.ToolName)
				}
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintf(errOut, "done: success=%v turns=%d cost=$%.4f duration=%dms\n",
				res.Success, res.NumTurns, res.CostUSD, res.DurationMs)
			if res.SessionID != "" {
				fmt.Fprintf(errOut, "session: %s\n", res.SessionID)
			}
			if !res.Success {
				return fmt.Errorf("query failed: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&scopeName, "scope", "direct", `envelope scope ("direct" or "public")`)
	cmd.Flags().StringVar(&tier, "tier", "READ_ONLY", "capability tier")
	cmd.Flags().StringVar(&pool, "pool", "cli", "pool key; queries sharing one are serialized")
	cmd.Flags().StringVar(&user, "user", "", "caller identity forwarded to the agent")
	cmd.Flags().StringVar(&agentURL, "agent", "", "agent base URL (default $AGENT_URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "query deadline (0 means the agent default)")
	return cmd
}
