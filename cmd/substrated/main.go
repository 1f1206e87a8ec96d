package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/daemonrpc"
	"github.com/atomize-hq/substrate/internal/gc"
	"github.com/atomize-hq/substrate/internal/logger"
	"github.com/atomize-hq/substrate/internal/policy"
)

func main() {
	root := &cobra.Command{
		Use:   "substrated",
		Short: "substrated background service",
		RunE:  run,
	}
	root.Flags().String("config-dir", "", "override the user config directory (default ~/.substrate)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logger.Init("info", ""); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		d, err := config.GetUserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve user config dir: %w", err)
		}
		dir = d
	}

	dc, err := config.LoadDaemonConfig(dir)
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}

	broker := policy.NewBroker(nil)
	broker.SetObserveOnly(false)

	if dc.PolicyPath != "" {
		data, err := os.ReadFile(dc.PolicyPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read policy file: %w", err)
		}
		if err == nil {
			p, err := policy.Load(data)
			if err != nil {
				return fmt.Errorf("parse policy file: %w", err)
			}
			broker.LoadPolicy(p)
		}

		watcher, err := policy.Watch(broker, dc.PolicyPath)
		if err != nil {
			logger.Log.Warn("policy hot-reload disabled", "path", dc.PolicyPath, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	srv := daemonrpc.NewServer(dc.SocketPath, broker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	gcInterval := time.Duration(dc.GCIntervalMin) * time.Minute
	if gcInterval <= 0 {
		gcInterval = 30 * time.Minute
	}
	go runGCLoop(ctx, gcInterval)

	fmt.Printf("substrated listening on %s\n", dc.SocketPath)
	return srv.ListenAndServe(ctx)
}

// runGCLoop sweeps stale world namespaces, cgroups, and nftables tables on
// a fixed interval until ctx is cancelled. A failed sweep is logged and
// retried next tick rather than stopping the loop.
func runGCLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := gc.Sweep(interval)
			if err != nil {
				logger.Log.Warn("gc: sweep failed", "error", err)
				continue
			}
			logger.Log.Info("gc: sweep complete", "removed", len(report.Removed), "kept", len(report.Kept), "errors", len(report.Errors))
		}
	}
}
