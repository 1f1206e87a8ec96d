// Package copydiff is the userspace snapshot-and-compare fallback used when
// neither kernel overlayfs nor fuse-overlayfs are available. It copies the
// project tree twice (base, work), runs the command inside work, and diffs
// the two trees to reconstruct an FsDiff.
package copydiff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/atomize-hq/substrate/internal/diffmodel"
	"github.com/atomize-hq/substrate/internal/logger"
)

// copydiffMaxSampleBytes bounds how much of a file is read for the content
// compare used to decide whether two regular files differ.
const copydiffMaxSampleBytes = 8 * 1024

// RootSource tags where a chosen root came from, for diagnostics and trace
// records (trace.Record.CopydiffRootSource).
type RootSource string

const (
	SourceEnvOverride RootSource = "env"
	SourceRootVarLib  RootSource = "root-var-lib"
	SourceXDGRuntime  RootSource = "xdg-runtime"
	SourceRunUser     RootSource = "run-user"
	SourceTmp         RootSource = "tmp"
	SourceVarTmp      RootSource = "var-tmp"
)

type candidate struct {
	path   string
	source RootSource
}

// candidates returns the ordered list of base directories to try, most
// preferred first. The caller's explicit override always wins if set.
func candidates(override string) []candidate {
	var out []candidate
	seen := map[string]bool{}
	push := func(p string, s RootSource) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, candidate{path: p, source: s})
	}

	if override != "" {
		push(override, SourceEnvOverride)
	}

	uid := os.Getuid()
	if uid == 0 {
		push("/var/lib/substrate/copydiff", SourceRootVarLib)
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		push(filepath.Join(xdg, "substrate", "copydiff"), SourceXDGRuntime)
	}
	push(fmt.Sprintf("/run/user/%d/substrate/copydiff", uid), SourceRunUser)
	push(fmt.Sprintf("/tmp/substrate-%d-copydiff", uid), SourceTmp)
	push(fmt.Sprintf("/var/tmp/substrate-%d-copydiff", uid), SourceVarTmp)

	return out
}

// ChooseRoot picks the first candidate base directory that can be created.
// override, if non-empty, is tried first and is the only candidate tagged
// SourceEnvOverride (normally sourced from SUBSTRATE_COPYDIFF_ROOT).
func ChooseRoot(override string) (root string, source RootSource, err error) {
	var lastErr error
	for _, c := range candidates(override) {
		if err := os.MkdirAll(c.path, 0o755); err != nil {
			lastErr = err
			continue
		}
		return c.path, c.source, nil
	}
	if lastErr == nil {
		lastErr = errors.New("copydiff: no candidate root available")
	}
	return "", "", lastErr
}

// Outcome is the result of running a command under the copydiff engine.
type Outcome struct {
	ExitCode       int
	Stdout         []byte
	Stderr         []byte
	Diff           diffmodel.FsDiff
	ChildPID       int
	Root           string
	RootSource     RootSource
}

// Engine runs commands inside disposable copy trees.
type Engine struct {
	Override string // SUBSTRATE_COPYDIFF_ROOT, empty if unset

	warnOnce sync.Map // key: root+"::"+err string -> struct{}{}
}

// NewEngine constructs an Engine. override is normally os.Getenv("SUBSTRATE_COPYDIFF_ROOT").
func NewEngine(override string) *Engine {
	return &Engine{Override: override}
}

// Run snapshots projectDir into base and work copies under a chosen root,
// executes cmd (via sh -lc, joined) inside the work copy at the cwd relative
// to projectDir, diffs base vs work, and cleans up both copies. On ENOSPC it
// tries the next candidate root.
func (e *Engine) Run(ctx context.Context, worldID, projectDir, cwd string, cmd []string, env []string) (*Outcome, error) {
	var lastErr error
	for _, c := range candidates(e.Override) {
		out, err := e.runWithRoot(ctx, c, worldID, projectDir, cwd, cmd, env)
		if err == nil {
			return out, nil
		}
		e.logFailure(c, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("copydiff: no candidate root available")
	}
	return nil, lastErr
}

func (e *Engine) logFailure(c candidate, err error) {
	key := c.path + "::" + err.Error()
	if _, already := e.warnOnce.LoadOrStore(key, struct{}{}); already {
		return
	}
	if isENOSPC(err) {
		logger.Warn("copydiff storage exhausted, trying fallback location", "root", c.path, "source", string(c.source))
	} else {
		logger.Warn("copydiff failed, trying fallback location", "root", c.path, "error", err)
	}
}

func isENOSPC(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ENOSPC
}

func (e *Engine) runWithRoot(ctx context.Context, c candidate, worldID, projectDir, cwd string, cmd []string, env []string) (*Outcome, error) {
	if err := os.MkdirAll(c.path, 0o755); err != nil {
		return nil, fmt.Errorf("copydiff: create root %s: %w", c.path, err)
	}

	base := filepath.Join(c.path, worldID+"-base")
	work := filepath.Join(c.path, worldID+"-work")
	os.RemoveAll(base)
	os.RemoveAll(work)
	defer os.RemoveAll(base)
	defer os.RemoveAll(work)

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("copydiff: mkdir base: %w", err)
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, fmt.Errorf("copydiff: mkdir work: %w", err)
	}

	if err := copyTree(projectDir, base); err != nil {
		return nil, fmt.Errorf("copydiff: snapshot base: %w", err)
	}
	if err := copyTree(projectDir, work); err != nil {
		return nil, fmt.Errorf("copydiff: snapshot work: %w", err)
	}

	rel, err := filepath.Rel(projectDir, cwd)
	if err != nil || rel == "." && cwd != projectDir {
		rel = "."
	}
	targetDir := filepath.Join(work, rel)

	sh := exec.CommandContext(ctx, "sh", "-lc", joinCmd(cmd))
	sh.Dir = targetDir
	sh.Env = env
	stdout, err := sh.Output()
	var stderr []byte
	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
			stderr = ee.Stderr
		} else {
			return nil, fmt.Errorf("copydiff: spawn: %w", err)
		}
	}
	var pid int
	if sh.Process != nil {
		pid = sh.Process.Pid
	}

	diff, err := computeDiff(base, work)
	if err != nil {
		return nil, fmt.Errorf("copydiff: compute diff: %w", err)
	}

	return &Outcome{
		ExitCode:   exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		Diff:       diff,
		ChildPID:   pid,
		Root:       c.path,
		RootSource: c.source,
	}, nil
}

func joinCmd(cmd []string) string {
	out := ""
	for i, a := range cmd {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// copyTree copies from into to, preferring `cp -a --reflink=auto` and
// falling back to a manual walk when cp is unavailable or fails.
func copyTree(from, to string) error {
	if err := os.MkdirAll(to, 0o755); err != nil {
		return err
	}
	cmd := exec.Command("cp", "-a", "--reflink=auto", from+"/.", to)
	if err := cmd.Run(); err == nil {
		return nil
	}
	return filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil || rel == "." {
			return nil
		}
		dest := filepath.Join(to, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(dest, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dest)
		default:
			return copyFile(path, dest, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = out.ReadFrom(in)
	return err
}
