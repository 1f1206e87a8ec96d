// Package replay re-executes commands previously recorded in a trace file
// and reports whether the outcome matches what was recorded, for
// regression-testing a shimmed command history.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/atomize-hq/substrate/internal/diffmodel"
	"github.com/atomize-hq/substrate/internal/logger"
	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/world"
)

// ExecutionState is what's needed to re-run one recorded command.
type ExecutionState struct {
	RawCmd    string
	Cwd       string
	Env       []string
	Stdin     []byte
	SessionID string
	SpanID    string
}

// ExecutionResult is the outcome of one replay.
type ExecutionResult struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	FsDiff     *diffmodel.FsDiff
	ScopesUsed []string
	DurationMs int64
}

// DivergenceType classifies why a replay didn't match the recorded outcome.
type DivergenceType string

const (
	DivergenceExitCode        DivergenceType = "exit_code"
	DivergenceStdout          DivergenceType = "stdout"
	DivergenceStderr          DivergenceType = "stderr"
	DivergenceFsDiff          DivergenceType = "fs_diff"
	DivergenceTimingDrift     DivergenceType = "timing_drift"
	DivergenceEnvironmentDiff DivergenceType = "environment_change"
)

// DivergenceSeverity ranks how much a divergence matters.
type DivergenceSeverity string

const (
	SeverityInfo     DivergenceSeverity = "info"
	SeverityWarning  DivergenceSeverity = "warning"
	SeverityCritical DivergenceSeverity = "critical"
)

// Divergence describes one mismatch between the recorded and replayed run.
type Divergence struct {
	Type        DivergenceType
	Severity    DivergenceSeverity
	Description string
}

// Result is one span's replay outcome against its recorded record.
type Result struct {
	SpanID      string
	Command     string
	Matched     bool
	Divergence  *Divergence
	Replayed    ExecutionResult
	DurationMs  int64
}

// Options controls how a replay run behaves.
type Options struct {
	Timeout        time.Duration
	UseWorld       bool
	IsolateNetwork bool
	AllowedDomains []string
	Verbose        bool
}

// DefaultTimeout matches the original executor's per-command timeout.
const DefaultTimeout = 30 * time.Second

// ExecuteDirect runs a command with no isolation, mirroring the original's
// unisolated replay path used when world backends aren't requested.
func ExecuteDirect(ctx context.Context, state ExecutionState, timeout time.Duration) (ExecutionResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/bash", "-lc", state.RawCmd)
	cmd.Dir = state.Cwd
	env := append([]string{}, state.Env...)
	env = append(env,
		"SHIM_SESSION_ID="+state.SessionID,
		"SHIM_PARENT_SPAN="+state.SpanID,
		"SUBSTRATE_REPLAY=1",
	)
	cmd.Env = withDefaults(env)

	if len(state.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(state.Stdin)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return ExecutionResult{}, fmt.Errorf("replay: command execution timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecutionResult{}, fmt.Errorf("replay: spawn: %w", err)
		}
	}

	return ExecutionResult{
		ExitCode:   exitCode,
		Stdout:     outBuf.Bytes(),
		Stderr:     errBuf.Bytes(),
		DurationMs: duration,
	}, nil
}

func withDefaults(env []string) []string {
	has := func(key string) bool {
		for _, e := range env {
			if len(e) > len(key) && e[:len(key)+1] == key+"=" {
				return true
			}
		}
		return false
	}
	if !has("SHELL") {
		env = append(env, "SHELL=/bin/bash")
	}
	if !has("LANG") {
		env = append(env, "LANG=C.UTF-8")
	}
	if !has("LC_ALL") {
		env = append(env, "LC_ALL=C.UTF-8")
	}
	return env
}

// ExecuteInWorld runs a command under full isolation via the world package,
// choosing whichever fs strategy the world selects (kernel overlay, fuse, or
// copydiff) and reporting the resulting diff and network scopes used.
func ExecuteInWorld(ctx context.Context, state ExecutionState, opts Options) (ExecutionResult, error) {
	w, err := world.Ensure(world.Spec{
		ProjectDir:     state.Cwd,
		IsolateNetwork: opts.IsolateNetwork,
		AllowedDomains: opts.AllowedDomains,
		AlwaysIsolate:  true,
		ReuseSession:   true,
	})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("replay: ensure world: %w", err)
	}

	start := time.Now()
	res, err := w.Execute(ctx, []string{"bash", "-lc", state.RawCmd}, state.Cwd, withDefaults(state.Env), false, state.SpanID)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("replay: world exec: %w", err)
	}

	if opts.Verbose {
		logger.Info("replay: world strategy", "strategy", res.Strategy, "span_id", state.SpanID)
	}

	out := ExecutionResult{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ScopesUsed: res.ScopesUsed,
		DurationMs: duration,
	}
	if !res.FsDiff.Empty() {
		d := res.FsDiff
		out.FsDiff = &d
	}
	return out, nil
}

// Execute dispatches to ExecuteInWorld or ExecuteDirect per opts.UseWorld,
// falling back to ExecuteDirect whenever world execution fails (the failure
// is logged only when opts.Verbose is set).
func Execute(ctx context.Context, state ExecutionState, opts Options) (ExecutionResult, error) {
	if opts.UseWorld {
		if res, err := ExecuteInWorld(ctx, state, opts); err == nil {
			return res, nil
		} else if opts.Verbose {
			logger.Warn("replay: world execution failed, falling back to direct", "error", err)
		}
	}
	return ExecuteDirect(ctx, state, opts.Timeout)
}

// StateFromRecord builds an ExecutionState from a recorded command_start (or
// command_complete) trace record.
func StateFromRecord(r trace.Record, stdin []byte) ExecutionState {
	return ExecutionState{
		RawCmd:    joinCmd(r.Cmd),
		Cwd:       r.Cwd,
		Env:       envSliceFromMap(r.Env),
		Stdin:     stdin,
		SessionID: r.SessionID,
		SpanID:    r.SpanID,
	}
}

func joinCmd(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func envSliceFromMap(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// Compare replays a recorded span and classifies any divergence from the
// recorded outcome. Timing is never compared: wall-clock duration is
// inherently non-deterministic and reported for diagnostics only.
func Compare(ctx context.Context, recorded trace.Record, opts Options) (Result, error) {
	state := StateFromRecord(recorded, nil)
	replayed, err := Execute(ctx, state, opts)
	if err != nil {
		return Result{SpanID: recorded.SpanID, Command: state.RawCmd}, err
	}

	result := Result{
		SpanID:     recorded.SpanID,
		Command:    state.RawCmd,
		Replayed:   replayed,
		DurationMs: replayed.DurationMs,
	}

	if recorded.ExitCode != nil && *recorded.ExitCode != replayed.ExitCode {
		result.Divergence = &Divergence{
			Type:     DivergenceExitCode,
			Severity: SeverityCritical,
			Description: fmt.Sprintf("exit code %d, recorded %d", replayed.ExitCode, *recorded.ExitCode),
		}
		return result, nil
	}

	if recorded.FsDiff != nil && replayed.FsDiff != nil {
		if recorded.FsDiff.Hash() != replayed.FsDiff.Hash() {
			result.Divergence = &Divergence{
				Type:        DivergenceFsDiff,
				Severity:    SeverityWarning,
				Description: "filesystem diff hash differs from recorded run",
			}
			return result, nil
		}
	}

	result.Matched = true
	return result, nil
}

// Sequence replays a list of recorded spans in order, stopping on the first
// span whose command fails to spawn at all (as opposed to diverging, which
// is recorded and continues).
func Sequence(ctx context.Context, records []trace.Record, opts Options) ([]Result, error) {
	results := make([]Result, 0, len(records))
	for _, r := range records {
		if r.EventType != trace.EventCommandStart && r.EventType != trace.EventCommandComplete {
			continue
		}
		res, err := Compare(ctx, r, opts)
		if err != nil {
			return results, fmt.Errorf("replay: span %s: %w", r.SpanID, err)
		}
		results = append(results, res)
	}
	return results, nil
}
