package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/atomize-hq/substrate/internal/wexec"
)

// runCmd executes a command attached to the caller's own terminal: raw mode
// for correct key handling, SIGWINCH forwarding for live resize. This is the
// interactive counterpart to "replay" and "policy test", which both talk to
// the daemon instead of running anything locally.
func runCmd() *cobra.Command {
	var fsMode string
	var pseudoTTY bool
	cmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Run a command under filesystem isolation, attached to this terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttached(cmd.Context(), args, wexec.FsMode(fsMode), pseudoTTY)
		},
	}
	defaultFsMode := string(wexec.FsModeDirect)
	if cfg := effectiveConfig(); cfg.DefaultFsMode != "" {
		defaultFsMode = cfg.DefaultFsMode
	}
	cmd.Flags().StringVar(&fsMode, "fs-mode", defaultFsMode, "filesystem isolation mode (direct, writable, read_only, full_cage)")
	cmd.Flags().BoolVar(&pseudoTTY, "tty", true, "allocate a pty and attach the local terminal to it")
	return cmd
}

func runAttached(ctx context.Context, argv []string, fsMode wexec.FsMode, pseudoTTY bool) error {
	driver, err := wexec.NewDriver()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("run: getwd: %w", err)
	}

	fd := int(os.Stdin.Fd())
	isTTY := pseudoTTY && term.IsTerminal(fd)

	spec := wexec.RunSpec{
		Cmd:          argv,
		Cwd:          cwd,
		Env:          os.Environ(),
		FsMode:       fsMode,
		ProjectDir:   cwd,
		PtyRequested: isTTY,
		Sink: func(kind wexec.StreamKind, chunk []byte) {
			if kind == wexec.StreamStderr {
				os.Stderr.Write(chunk)
				return
			}
			os.Stdout.Write(chunk)
		},
	}

	var restore func()
	if isTTY {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			restore = func() { term.Restore(fd, oldState) }
			defer restore()
		}

		resize := make(chan pty.Winsize, 1)
		spec.PtyResize = resize

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				if w, h, err := term.GetSize(fd); err == nil {
					resize <- pty.Winsize{Rows: uint16(h), Cols: uint16(w)}
				}
			}
		}()
		if w, h, err := term.GetSize(fd); err == nil {
			resize <- pty.Winsize{Rows: uint16(h), Cols: uint16(w)}
		}
	}

	result, err := driver.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("command exited with status %d", result.ExitCode)
	}
	return nil
}
