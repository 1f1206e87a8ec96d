package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/atomize-hq/substrate/internal/trace"
)

func TestExecuteDirectCapturesOutput(t *testing.T) {
	res, err := ExecuteDirect(context.Background(), ExecutionState{
		RawCmd: "echo test",
		Cwd:    t.TempDir(),
	}, 0)
	if err != nil {
		t.Fatalf("ExecuteDirect: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if string(res.Stdout) != "test\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "test\n")
	}
}

func TestExecuteDirectWithRedirection(t *testing.T) {
	dir := t.TempDir()
	_, err := ExecuteDirect(context.Background(), ExecutionState{
		RawCmd: "echo hello > out.txt",
		Cwd:    dir,
	}, 0)
	if err != nil {
		t.Fatalf("ExecuteDirect: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read out.txt: %v", err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("out.txt = %q, want %q", content, "hello\n")
	}
}

func TestExecuteDirectNonZeroExit(t *testing.T) {
	res, err := ExecuteDirect(context.Background(), ExecutionState{
		RawCmd: "exit 7",
		Cwd:    t.TempDir(),
	}, 0)
	if err != nil {
		t.Fatalf("ExecuteDirect: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestCompareMatchesIdenticalExitCode(t *testing.T) {
	zero := 0
	rec := trace.Record{
		SpanID: "span1",
		Cmd:    []string{"echo", "ok"},
		Cwd:    t.TempDir(),
		ExitCode: &zero,
	}
	result, err := Compare(context.Background(), rec, Options{})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected matched result, got divergence %+v", result.Divergence)
	}
}

func TestCompareDetectsExitCodeDivergence(t *testing.T) {
	recordedExit := 0
	rec := trace.Record{
		SpanID:   "span2",
		Cmd:      []string{"exit", "9"},
		Cwd:      t.TempDir(),
		ExitCode: &recordedExit,
	}
	result, err := Compare(context.Background(), rec, Options{})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if result.Matched {
		t.Fatalf("expected divergence for mismatched exit code")
	}
	if result.Divergence == nil || result.Divergence.Type != DivergenceExitCode {
		t.Fatalf("expected exit_code divergence, got %+v", result.Divergence)
	}
}

func TestSequenceSkipsNonCommandRecords(t *testing.T) {
	zero := 0
	records := []trace.Record{
		{EventType: trace.EventWorldCreated, SpanID: "w1"},
		{EventType: trace.EventCommandStart, SpanID: "s1", Cmd: []string{"true"}, Cwd: t.TempDir(), ExitCode: &zero},
	}
	results, err := Sequence(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result (world_created skipped), got %d", len(results))
	}
}

func TestJoinCmdPreservesWordOrder(t *testing.T) {
	got := joinCmd([]string{"echo", "a", "b"})
	if got != "echo a b" {
		t.Fatalf("joinCmd = %q, want %q", got, "echo a b")
	}
}
