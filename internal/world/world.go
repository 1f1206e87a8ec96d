// Package world is the session world: a reusable isolation context bound to
// a project directory that commands execute inside one at a time. It picks
// a filesystem strategy (kernel overlay, fuse-overlayfs, copydiff, or
// direct), owns that strategy's state across multiple Execute calls, and
// tears everything down in Release.
package world

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atomize-hq/substrate/internal/cgroup"
	"github.com/atomize-hq/substrate/internal/copydiff"
	"github.com/atomize-hq/substrate/internal/diffmodel"
	"github.com/atomize-hq/substrate/internal/logger"
	"github.com/atomize-hq/substrate/internal/netscope"
	"github.com/atomize-hq/substrate/internal/overlay"
	"github.com/atomize-hq/substrate/internal/wexec"
)

// Strategy is the filesystem isolation mechanism a world ended up using.
type Strategy string

const (
	StrategyKernelOverlay Strategy = "kernel_overlay"
	StrategyFuseOverlay   Strategy = "fuse_overlay"
	StrategyCopyDiff      Strategy = "copydiff"
	StrategyDirect        Strategy = "direct"
)

// Spec is what a caller asks for when requesting a world.
type Spec struct {
	ProjectDir     string
	FsMode         wexec.FsMode
	IsolateNetwork bool
	AlwaysIsolate  bool
	AllowedDomains []string
	ReuseSession   bool

	MemLimitBytes uint64
	PidLimit      uint32
}

// isolationKey identifies worlds that may be reused for a new Spec: fs_mode
// alone never forces a new world, only the network/isolation shape does.
func isolationKey(s Spec) string {
	return strings.Join([]string{
		s.ProjectDir,
		fmt.Sprintf("%v", s.IsolateNetwork),
		fmt.Sprintf("%v", s.AlwaysIsolate),
		strings.Join(s.AllowedDomains, ","),
	}, "|")
}

// ExecResult is the outcome of one command execution inside a world.
type ExecResult struct {
	ExitCode       int
	Stdout         []byte
	Stderr         []byte
	ScopesUsed     []string
	FsDiff         diffmodel.FsDiff
	Strategy       Strategy
	FallbackReason string
}

// World is a reusable isolation context bound to a project directory.
type World struct {
	ID         string
	ProjectDir string
	Spec       Spec

	strategy       Strategy
	fallbackReason string

	overlayEngine *overlay.Overlay
	copydiffEng   *copydiff.Engine
	net           *netscope.Scope
	cg            *cgroup.Manager
	driver        *wexec.Driver

	mu       sync.Mutex // serializes command execution against this world
	fsBySpan map[string]diffmodel.FsDiff
}

// registry caches live worlds by isolationKey so repeated Ensure calls for
// the same project/network shape reuse state instead of re-provisioning
// namespaces and overlays per command.
type registry struct {
	mu     sync.Mutex
	worlds map[string]*World
}

var defaultRegistry = &registry{worlds: map[string]*World{}}

// Ensure returns an existing compatible world or provisions a new one.
func Ensure(spec Spec) (*World, error) {
	return defaultRegistry.ensure(spec)
}

func (r *registry) ensure(spec Spec) (*World, error) {
	key := isolationKey(spec)
	r.mu.Lock()
	if spec.ReuseSession {
		if w, ok := r.worlds[key]; ok {
			r.mu.Unlock()
			return w, nil
		}
	}
	r.mu.Unlock()

	w, err := newWorld(spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.worlds[key] = w
	r.mu.Unlock()
	return w, nil
}

func newWorld(spec Spec) (*World, error) {
	id := "wld_" + uuid.Must(uuid.NewV7()).String()

	driver, err := wexec.NewDriver()
	if err != nil {
		logger.Warn("world: could not resolve own executable, guarded fs modes will degrade", "error", err)
		driver = &wexec.Driver{}
	}

	w := &World{
		ID:         id,
		ProjectDir: spec.ProjectDir,
		Spec:       spec,
		driver:     driver,
		fsBySpan:   make(map[string]diffmodel.FsDiff),
	}

	if spec.MemLimitBytes > 0 || spec.PidLimit > 0 {
		cg, err := cgroup.New(id, spec.MemLimitBytes, spec.PidLimit)
		if err != nil {
			logger.Warn("world: cgroup setup failed, continuing without it", "error", err)
		}
		w.cg = cg
	}

	if spec.IsolateNetwork {
		scope := netscope.New(id)
		if err := scope.CreateNamespace(); err != nil {
			logger.Warn("world: network namespace creation failed", "error", err)
		} else {
			w.net = scope
			if err := scope.InstallRules(context.Background(), spec.AllowedDomains); err != nil {
				logger.Warn("world: netfilter rule install failed, network left unrestricted", "error", err)
			}
		}
	}

	return w, nil
}

// selectStrategy probes kernel overlay, then fuse-overlayfs, then falls
// back to copydiff, recording which path it took.
func (w *World) selectStrategy() (*overlay.Overlay, error) {
	if w.overlayEngine != nil {
		return w.overlayEngine, nil
	}

	ov, err := overlay.New(w.ID)
	if err != nil {
		return nil, fmt.Errorf("world: allocate overlay: %w", err)
	}

	if _, err := ov.Mount(w.ProjectDir); err == nil {
		w.strategy = StrategyKernelOverlay
		if ov.IsUsingFuse() {
			w.strategy = StrategyFuseOverlay
			w.fallbackReason = "kernel overlay mount rejected, used fuse-overlayfs"
		}
		w.overlayEngine = ov
		return ov, nil
	}

	w.strategy = StrategyCopyDiff
	w.fallbackReason = "overlay unavailable (kernel and fuse both failed)"
	logger.Warn("world: overlay unavailable, falling back to copydiff", "world_id", w.ID)
	return nil, nil
}

// shouldIsolate applies the install-command heuristic: package manager
// install invocations default to isolation even when the caller didn't ask
// for it explicitly, since they're the most common source of unintended
// writes outside the expected project tree. An explicit fs mode always
// wins over this heuristic — it only applies when the spec asked for the
// default writable mode.
func shouldIsolate(cmd string) bool {
	triggers := []string{
		"pip install", "pip3 install",
		"npm install", "npm i ", "npm ci",
		"yarn add", "yarn install",
		"pnpm add", "pnpm install",
		"cargo install", "go install",
		"apt install", "apt-get install",
		"gem install",
	}
	for _, t := range triggers {
		if strings.Contains(cmd, t) {
			return true
		}
	}
	return false
}

// Execute runs cmd inside the world, applying the selected fs strategy and
// updating per-span diff tracking.
func (w *World) Execute(ctx context.Context, cmdArgv []string, cwd string, env []string, ptyRequested bool, spanID string) (*ExecResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cmdStr := strings.Join(cmdArgv, " ")
	fsMode := w.Spec.FsMode
	if fsMode == "" {
		fsMode = wexec.FsModeWritable
	}
	needsIsolation := fsMode != wexec.FsModeWritable || shouldIsolate(cmdStr) || w.Spec.AlwaysIsolate

	if !needsIsolation {
		return w.executeDirect(ctx, cmdArgv, cwd, env)
	}

	ov, err := w.selectStrategy()
	if err != nil {
		return nil, err
	}

	var res *ExecResult
	if ov != nil {
		res, err = w.executeViaOverlay(ctx, ov, cmdArgv, cwd, env, fsMode, spanID)
	} else {
		res, err = w.executeViaCopydiff(ctx, cmdArgv, cwd, env)
	}
	if err != nil {
		return nil, err
	}

	res.Strategy = w.strategy
	res.FallbackReason = w.fallbackReason

	if w.net != nil {
		scopes, scopeErr := w.net.MonitorScopes()
		if scopeErr == nil {
			res.ScopesUsed = scopes
		}
	}

	return res, nil
}

func remapCwd(cwd, projectDir, mergedDir string) string {
	rel, err := filepath.Rel(projectDir, cwd)
	if err != nil || strings.HasPrefix(rel, "..") {
		return mergedDir
	}
	return filepath.Join(mergedDir, rel)
}

func (w *World) executeDirect(ctx context.Context, cmdArgv []string, cwd string, env []string) (*ExecResult, error) {
	result, err := w.driver.Run(ctx, wexec.RunSpec{
		Cmd:    cmdArgv,
		Cwd:    cwd,
		Env:    env,
		FsMode: wexec.FsModeDirect,
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Strategy: StrategyDirect,
	}, nil
}

func (w *World) executeViaOverlay(ctx context.Context, ov *overlay.Overlay, cmdArgv []string, cwd string, env []string, fsMode wexec.FsMode, spanID string) (*ExecResult, error) {
	merged := ov.MergedDir()
	targetCwd := remapCwd(cwd, w.ProjectDir, merged)

	result, err := w.driver.Run(ctx, wexec.RunSpec{
		Cmd:        cmdArgv,
		Cwd:        targetCwd,
		Env:        env,
		FsMode:     fsMode,
		MergedDir:  merged,
		ProjectDir: w.ProjectDir,
	})
	if err != nil {
		return nil, err
	}

	var diff diffmodel.FsDiff
	if fsMode != wexec.FsModeReadOnly {
		diff, err = ov.ComputeDiff()
		if err != nil {
			return nil, fmt.Errorf("world: compute overlay diff: %w", err)
		}
		if spanID != "" {
			w.fsBySpan[spanID] = diff
		}
	}

	return &ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		FsDiff:   diff,
	}, nil
}

func (w *World) executeViaCopydiff(ctx context.Context, cmdArgv []string, cwd string, env []string) (*ExecResult, error) {
	if w.copydiffEng == nil {
		w.copydiffEng = copydiff.NewEngine(os.Getenv("SUBSTRATE_COPYDIFF_ROOT"))
	}
	out, err := w.copydiffEng.Run(ctx, w.ID, w.ProjectDir, cwd, cmdArgv, env)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		FsDiff:   out.Diff,
	}, nil
}

// SpanDiff returns the filesystem diff recorded for a specific span, if any.
func (w *World) SpanDiff(spanID string) (diffmodel.FsDiff, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.fsBySpan[spanID]
	return d, ok
}

// Release tears down the world's isolation state in the safe order:
// unmount overlay, remove netfilter rules, remove the network namespace,
// remove the cgroup, then delete overlay directories.
func (w *World) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if w.overlayEngine != nil {
		record(w.overlayEngine.Unmount())
	}
	if w.net != nil {
		record(w.net.RemoveRules())
		record(w.net.RemoveNamespace())
	}
	if w.cg != nil {
		// Give children a moment to exit before the rmdir races them.
		time.Sleep(50 * time.Millisecond)
		record(w.cg.RemoveIfIdle())
	}
	if w.overlayEngine != nil {
		record(w.overlayEngine.Cleanup())
	}

	defaultRegistry.mu.Lock()
	for k, v := range defaultRegistry.worlds {
		if v == w {
			delete(defaultRegistry.worlds, k)
		}
	}
	defaultRegistry.mu.Unlock()

	return firstErr
}
