package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/daemonrpc"
)

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test the active command policy",
	}
	p.AddCommand(policyTestCmd())
	return p
}

func policyTestCmd() *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "test -- [command...]",
		Short: "Show the decision the daemon's policy broker would make for a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sock, err := daemonSocketPath()
			if err != nil {
				return err
			}
			client := daemonrpc.NewClient(sock)
			decision, err := client.EvaluatePolicy(context.Background(), args, cwd, "")
			if err != nil {
				return fmt.Errorf("evaluate policy: %w", err)
			}
			fmt.Printf("decision: %s\n", decision.Kind)
			if decision.Reason != "" {
				fmt.Printf("reason:   %s\n", decision.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", ".", "working directory the command would run from")
	return cmd
}
