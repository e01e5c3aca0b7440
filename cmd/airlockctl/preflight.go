package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airlock-project/airlock/internal/relay/sandbox"
)

func preflightCmd() *cobra.Command {
	var container string

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Verify the agent container is sealed before routing traffic",
		Long: `Inspect the agent container through the Docker Engine API and check its
isolation: internal-only networks, no host network mode, no published
ports. Exits 2 when any violation is found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			checker, err := sandbox.New()
			if err != nil {
				return err
			}
			report, err := checker.Preflight(cmd.Context(), container)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "container: %s\n", report.Container)
			fmt.Fprintf(out, "running:   %v\n", report.Running)
			for _, n := range report.Networks {
				fmt.Fprintf(out, "network:   %s\n", n)
			}

			if !report.Sealed() {
				for _, v := range report.Violations {
					fmt.Fprintf(cmd.ErrOrStderr(), "violation: %s\n", v)
				}
				return fmt.Errorf("%s is not sealed: %w", report.Container, errSecurityCheck)
			}
			fmt.Fprintln(out, "sealed: no isolation violations")
			return nil
		},
	}

	cmd.Flags().StringVar(&container, "container", sandbox.DefaultContainer, "agent container name")
	return cmd
}
