// Package wexec is the execution driver and fs-mode enforcer for a world:
// it runs a command inside the namespace isolation appropriate to the
// world's filesystem mode, streams output through a bounded sink, and
// forwards signals and resize events for interactive sessions.
package wexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/atomize-hq/substrate/internal/logger"
)

// FsMode controls how much of the host filesystem a command can see and
// write to.
type FsMode string

const (
	// FsModeWritable binds the overlay merged dir onto the project path;
	// the rest of the host filesystem is visible read-write as normal.
	FsModeWritable FsMode = "writable"
	// FsModeReadOnly is the same bind, remounted read-only.
	FsModeReadOnly FsMode = "read_only"
	// FsModeFullCage builds a fresh minimal rootfs and pivot_roots into it.
	FsModeFullCage FsMode = "full_cage"
	// FsModeDirect runs the command unmodified with no bind or pivot — used
	// when isolation isn't required and no strategy overhead is wanted.
	FsModeDirect FsMode = "direct"
)

// ErrEnforcementFailed is returned when read-only or full-cage isolation was
// requested but could not be enforced. Callers must treat this as fatal —
// falling through to an unenforced exec would silently violate the
// requested fs mode.
var ErrEnforcementFailed = errors.New("wexec: could not enforce requested fs mode")

// GuardFailureExitCode is the exit code the hidden fsguard subcommand uses
// when its mount-namespace setup fails before it ever execs the real
// command. It must not collide with a normal command's own exit status, so
// runGuarded treats any process that exits with exactly this code as a
// guard-internal failure rather than the wrapped command's result.
const GuardFailureExitCode = 125

// KillGrace is how long a SIGTERM'd process is given to exit before SIGKILL.
var KillGrace = 5 * time.Second

// StreamKind tags a chunk delivered to a Sink.
type StreamKind int

const (
	StreamStdout StreamKind = iota
	StreamStderr
)

// RunSpec describes one command execution.
type RunSpec struct {
	Cmd        []string
	Cwd        string
	Env        []string
	FsMode     FsMode
	MergedDir  string // overlay merged dir, or copydiff work dir
	ProjectDir string
	Timeout    time.Duration

	PtyRequested bool
	PtyResize    <-chan pty.Winsize

	// Sink receives stdout/stderr chunks synchronously as they arrive.
	// There is no unbounded internal queue: the reader goroutine blocks on
	// Sink until it returns, so a slow consumer applies backpressure all
	// the way to the child's pipe buffer instead of the driver buffering
	// unboundedly in memory.
	Sink func(kind StreamKind, chunk []byte)

	WritableCagePrefixes []string // rw-remounted prefixes inside a full cage
	DenyPaths            []string
}

// Result is the outcome of a Run.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Signaled bool
}

// Driver runs commands according to a RunSpec's fs mode.
type Driver struct {
	// ReexecPath is the path to this binary, used to re-exec into the
	// hidden fsguard subcommand for namespace setup. Tests that don't
	// need actual namespace isolation can leave this empty and stick to
	// FsModeDirect.
	ReexecPath string
}

// NewDriver resolves os.Executable() once for ReexecPath.
func NewDriver() (*Driver, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("wexec: resolve own executable: %w", err)
	}
	return &Driver{ReexecPath: exe}, nil
}

// Run executes spec.Cmd under the isolation implied by spec.FsMode.
func (d *Driver) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	switch spec.FsMode {
	case FsModeDirect:
		return d.runDirect(ctx, spec)
	case FsModeWritable, FsModeReadOnly, FsModeFullCage:
		return d.runGuarded(ctx, spec)
	default:
		return nil, fmt.Errorf("wexec: unknown fs mode %q", spec.FsMode)
	}
}

func (d *Driver) buildCommand(ctx context.Context, spec RunSpec) *exec.Cmd {
	name := spec.Cmd[0]
	args := spec.Cmd[1:]
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// runDirect execs the command with no namespace wrapping at all. This is
// the only path that doesn't have an enforcement guarantee, so callers
// must not choose it when isolation was explicitly requested.
func (d *Driver) runDirect(ctx context.Context, spec RunSpec) (*Result, error) {
	cmd := d.buildCommand(ctx, spec)
	return d.runCmd(ctx, cmd, spec)
}

// runGuarded re-execs the driver binary as the hidden fsguard subcommand,
// which performs the actual mount-namespace setup before exec'ing spec.Cmd.
// If that re-exec fails for a mode that must be enforced (read-only or full
// cage), Run fails closed rather than degrading to an unisolated exec.
func (d *Driver) runGuarded(ctx context.Context, spec RunSpec) (*Result, error) {
	if d.ReexecPath == "" {
		if mustEnforce(spec.FsMode) {
			return &Result{ExitCode: 126}, ErrEnforcementFailed
		}
		logger.Warn("wexec: no reexec path configured, falling back to direct exec", "fs_mode", spec.FsMode)
		return d.runDirect(ctx, spec)
	}

	guardArgs := guardArgsFor(spec)
	cmd := exec.CommandContext(ctx, d.ReexecPath, guardArgs...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env
	cmd.SysProcAttr = namespaceAttr(spec)

	result, err := d.runCmd(ctx, cmd, spec)
	if err != nil && mustEnforce(spec.FsMode) {
		return &Result{ExitCode: 126}, fmt.Errorf("%w: %v", ErrEnforcementFailed, err)
	}
	// A clean exec.ExitError looks identical whether the real command ran
	// and exited nonzero, or fsguard's own mount-namespace setup failed
	// before it ever reached exec — finish() can't tell them apart because
	// both surface as a plain exit status. GuardFailureExitCode is fsguard's
	// way of telling us which one happened.
	if err == nil && result.ExitCode == GuardFailureExitCode {
		if mustEnforce(spec.FsMode) {
			return &Result{ExitCode: 126}, fmt.Errorf("%w: fsguard exited %d before exec", ErrEnforcementFailed, GuardFailureExitCode)
		}
		return &Result{ExitCode: 1}, fmt.Errorf("wexec: fsguard exited %d before exec", GuardFailureExitCode)
	}
	return result, err
}

func mustEnforce(mode FsMode) bool {
	return mode == FsModeReadOnly || mode == FsModeFullCage
}

// guardArgsFor renders the hidden "_fsguard" subcommand invocation that
// performs the actual mount/pivot_root work before exec'ing the real
// command, mirroring the teacher's _deny_init wrapper trick.
func guardArgsFor(spec RunSpec) []string {
	args := []string{"_fsguard",
		"--fs-mode", string(spec.FsMode),
		"--merged-dir", spec.MergedDir,
		"--project-dir", spec.ProjectDir,
	}
	for _, p := range spec.WritableCagePrefixes {
		args = append(args, "--writable", p)
	}
	for _, p := range spec.DenyPaths {
		args = append(args, "--deny", p)
	}
	args = append(args, "--")
	args = append(args, spec.Cmd...)
	return args
}

// runCmd starts cmd (pty or pipe mode per spec.PtyRequested), streams
// output through spec.Sink, applies spec.Timeout via SIGTERM/SIGKILL, and
// waits for completion.
func (d *Driver) runCmd(ctx context.Context, cmd *exec.Cmd, spec RunSpec) (*Result, error) {
	if spec.PtyRequested {
		return d.runWithPty(ctx, cmd, spec)
	}
	return d.runWithPipes(ctx, cmd, spec)
}

func (d *Driver) runWithPipes(ctx context.Context, cmd *exec.Cmd, spec RunSpec) (*Result, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wexec: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("wexec: stderr pipe: %w", err)
	}

	var outBuf, errBuf bytes.Buffer
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("wexec: start: %w", err)
	}

	done := make(chan struct{}, 2)
	go pumpStream(stdout, StreamStdout, spec.Sink, &outBuf, done)
	go pumpStream(stderr, StreamStderr, spec.Sink, &errBuf, done)

	timer := d.armTimeout(spec.Timeout, cmd)
	defer timer.Stop()

	<-done
	<-done
	err = cmd.Wait()

	return d.finish(cmd, err, outBuf.Bytes(), errBuf.Bytes())
}

func pumpStream(r io.Reader, kind StreamKind, sink func(StreamKind, []byte), buf *bytes.Buffer, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if sink != nil {
				cp := make([]byte, n)
				copy(cp, chunk[:n])
				sink(kind, cp)
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Driver) runWithPty(ctx context.Context, cmd *exec.Cmd, spec RunSpec) (*Result, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("wexec: pty start: %w", err)
	}
	defer f.Close()

	if spec.PtyResize != nil {
		go func() {
			for size := range spec.PtyResize {
				_ = pty.Setsize(f, &size)
			}
		}()
	}

	var outBuf bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		chunk := make([]byte, 32*1024)
		for {
			n, err := f.Read(chunk)
			if n > 0 {
				outBuf.Write(chunk[:n])
				if spec.Sink != nil {
					cp := make([]byte, n)
					copy(cp, chunk[:n])
					spec.Sink(StreamStdout, cp)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	timer := d.armTimeout(spec.Timeout, cmd)
	defer timer.Stop()

	forwardSignals(cmd)

	<-done
	err = cmd.Wait()

	return d.finish(cmd, err, outBuf.Bytes(), nil)
}

// forwardSignals relays SIGINT/SIGTERM received by this process to the
// child's process group, so a Ctrl-C on an attached terminal reaches an
// interactive child even though it's running under a re-exec'd guard.
func forwardSignals(cmd *exec.Cmd) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if cmd.Process == nil {
				continue
			}
			s, _ := sig.(syscall.Signal)
			_ = syscall.Kill(-cmd.Process.Pid, s)
		}
	}()
}

func (d *Driver) armTimeout(timeout time.Duration, cmd *exec.Cmd) *time.Timer {
	if timeout <= 0 {
		return time.NewTimer(0) // already fired, harmless Stop() below
	}
	return time.AfterFunc(timeout, func() {
		if cmd.Process == nil {
			return
		}
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		time.AfterFunc(KillGrace, func() {
			if cmd.ProcessState == nil && cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		})
	})
}

func (d *Driver) finish(cmd *exec.Cmd, waitErr error, stdout, stderr []byte) (*Result, error) {
	res := &Result{Stdout: stdout, Stderr: stderr}
	if waitErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.Signaled = true
		}
		return res, nil
	}
	return res, fmt.Errorf("wexec: wait: %w", waitErr)
}
