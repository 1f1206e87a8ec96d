package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func shimCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "shim",
		Short: "Diagnostics for the execution driver's external dependencies",
	}
	s.AddCommand(shimDoctorCmd())
	return s
}

// shimDoctorCmd reports the same external-tool and kernel-feature
// preconditions wexec and netscope degrade on when missing, so an operator
// can see why a world fell back to a weaker isolation strategy without
// digging through logs.
func shimDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check external tool and kernel feature availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")

			checks := []struct {
				name, detail string
				ok           bool
			}{
				{"fuse-overlayfs", "needed for fuse_overlay fallback strategy", toolOnPath("fuse-overlayfs")},
				{"nft", "needed for network scope enforcement", toolOnPath("nft")},
				{"ip", "needed for network namespace management", toolOnPath("ip")},
				{"cgroup v2", "needed for memory/pid limits", cgroupV2Mounted()},
				{"unprivileged user namespaces", "needed for rootless isolation", userNamespacesEnabled()},
			}
			for _, c := range checks {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.name, yesNo(c.ok), c.detail)
			}
			w.Flush()
			return nil
		},
	}
}

func userNamespacesEnabled() bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		// Distros that don't gate user namespaces behind this sysctl (or
		// don't expose it at all) generally have them enabled by default.
		return true
	}
	return len(data) > 0 && data[0] == '1'
}
