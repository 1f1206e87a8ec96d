package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/wexec"
)

// fsguardCmd is never invoked directly by a user. wexec re-execs the
// substrate binary as "substrate _fsguard ..." inside a fresh mount
// namespace; this subcommand parses that contract and hands off to
// wexec.RunGuard, which syscall.Execs the real command in its place.
func fsguardCmd() *cobra.Command {
	var fsMode, mergedDir, projectDir string
	var writable, deny []string

	cmd := &cobra.Command{
		Use:    "_fsguard -- command [args...]",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := wexec.GuardConfig{
				FsMode:           wexec.FsMode(fsMode),
				MergedDir:        mergedDir,
				ProjectDir:       projectDir,
				WritablePrefixes: writable,
				DenyPaths:        deny,
				Argv:             args,
			}
			if err := wexec.RunGuard(cfg); err != nil {
				// A generic cobra error would exit 1, indistinguishable from
				// the wrapped command itself exiting 1. runGuarded needs a
				// reserved code to tell "fsguard never reached exec" apart
				// from "the command ran and returned this status".
				fmt.Fprintf(os.Stderr, "fsguard: %v\n", err)
				os.Exit(wexec.GuardFailureExitCode)
			}
			// RunGuard execs on success and never returns.
			return nil
		},
	}

	cmd.Flags().StringVar(&fsMode, "fs-mode", string(wexec.FsModeWritable), "filesystem isolation mode")
	cmd.Flags().StringVar(&mergedDir, "merged-dir", "", "overlay merged directory to pivot into")
	cmd.Flags().StringVar(&projectDir, "project-dir", "", "project directory to bind mount")
	cmd.Flags().StringArrayVar(&writable, "writable", nil, "path prefix writable inside the cage (repeatable)")
	cmd.Flags().StringArrayVar(&deny, "deny", nil, "path recorded in GuardConfig.DenyPaths (repeatable); the guard does not block access to it")
	return cmd
}
