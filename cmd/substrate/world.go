package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/daemonrpc"
	"github.com/atomize-hq/substrate/internal/manifest"
	"github.com/atomize-hq/substrate/internal/overlay"
)

func worldCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "world",
		Short: "Inspect and manage isolation worlds",
	}
	w.AddCommand(worldVerifyCmd(), worldCleanupCmd(), worldDepsCmd())
	return w
}

func worldVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check which isolation strategies are available on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STRATEGY\tAVAILABLE\tDETAIL")

			kernelOK, usedFuse := probeOverlay()
			fmt.Fprintf(w, "kernel_overlay\t%s\t%s\n", yesNo(kernelOK && !usedFuse), "test mount of overlayfs against a scratch dir")

			fuseOK := toolOnPath("fuse-overlayfs")
			fmt.Fprintf(w, "fuse_overlay\t%s\t%s\n", yesNo(fuseOK), "fuse-overlayfs on PATH")

			nftOK := toolOnPath("nft") && toolOnPath("ip")
			fmt.Fprintf(w, "netscope\t%s\t%s\n", yesNo(nftOK), "nft and ip on PATH")

			cgroupOK := cgroupV2Mounted()
			fmt.Fprintf(w, "cgroup\t%s\t%s\n", yesNo(cgroupOK), "/sys/fs/cgroup is cgroup2")

			w.Flush()
			return nil
		},
	}
}

func worldCleanupCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep stale world namespaces, cgroups, and nftables tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			sock, err := daemonSocketPath()
			if err != nil {
				return err
			}
			client := daemonrpc.NewClient(sock)
			fmt.Printf("sweeping worlds created before %s\n", humanize.Time(time.Now().Add(-ttl)))
			summary, err := client.GCSweep(context.Background(), ttl)
			if err != nil {
				return fmt.Errorf("gc sweep: %w", err)
			}
			fmt.Printf("removed: %d\nkept:    %d\nerrors:  %d\n", len(summary.Removed), summary.Kept, summary.Errors)
			for _, name := range summary.Removed {
				fmt.Printf("  removed %s\n", name)
			}
			return nil
		},
	}
	defaultTTL := time.Hour
	if cfg := effectiveConfig(); cfg.GCTTLMinutes > 0 {
		defaultTTL = time.Duration(cfg.GCTTLMinutes) * time.Minute
	}
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTTL, "skip worlds younger than this")
	return cmd
}

func worldDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps [manifest-path]",
		Short: "Print a resolved world dependency manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tVERSION")
			for _, t := range m.Tools {
				version := t.Version
				if version == "" {
					version = "(any)"
				}
				fmt.Fprintf(w, "%s\t%s\n", t.Name, version)
			}
			w.Flush()
			fmt.Printf("env vars passed through: %d\n", len(m.Env))
			fmt.Printf("setup commands:          %d\n", len(m.Setup))
			return nil
		},
	}
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}

func toolOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func cgroupV2Mounted() bool {
	_, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return err == nil
}

// probeOverlay mounts a throwaway overlay against a scratch directory to
// find out whether this host's kernel supports overlayfs directly, the
// same probe world.selectStrategy performs before committing to a world.
func probeOverlay() (ok bool, usedFuse bool) {
	lower, err := os.MkdirTemp("", "substrate-verify-lower-*")
	if err != nil {
		return false, false
	}
	defer os.RemoveAll(lower)

	ov, err := overlay.New("verify")
	if err != nil {
		return false, false
	}
	if _, err := ov.Mount(lower); err != nil {
		return false, false
	}
	defer ov.Cleanup()
	return true, ov.IsUsingFuse()
}
