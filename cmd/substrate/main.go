package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/logger"
)

func main() {
	if err := logger.Init("info", ""); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "substrate",
		Short: "substrate — isolated command execution substrate",
		Long:  "Runs commands under filesystem/network/cgroup isolation, records spans for replay, and manages world lifecycle.",
	}

	root.AddCommand(
		worldCmd(),
		replayCmd(),
		policyCmd(),
		shimCmd(),
		fsguardCmd(),
		runCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// daemonSocketPath returns the path of the daemon's control socket.
// Commands that need the daemon call this lazily so plain-CLI-only
// subcommands (fsguard, manifest-only replay) never require it running.
func daemonSocketPath() (string, error) {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	dc, err := config.LoadDaemonConfig(userDir)
	if err != nil {
		return "", fmt.Errorf("load daemon config: %w", err)
	}
	return dc.SocketPath, nil
}

// effectiveConfig loads the layered user/project settings.json pair and
// returns the merged result, used to seed CLI flag defaults. Directory
// resolution failures fall back to "." rather than skipping Load, so
// Manager's own baked-in defaults (DefaultFsMode "writable", a 60-minute
// GC TTL, etc.) still apply even when neither settings.json exists.
func effectiveConfig() *config.Config {
	m := config.NewManager()
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		userDir = "."
	}
	projectDir, err := config.GetProjectDir()
	if err != nil {
		projectDir = "."
	}
	m.Load(userDir, projectDir)
	return m.Get()
}
