package wexec

import (
	"context"
	"testing"
	"time"
)

func TestRunDirectCapturesOutput(t *testing.T) {
	d := &Driver{}
	var gotStdout []byte
	res, err := d.Run(context.Background(), RunSpec{
		Cmd:    []string{"sh", "-c", "echo hello"},
		Cwd:    t.TempDir(),
		Env:    []string{"PATH=/usr/bin:/bin"},
		FsMode: FsModeDirect,
		Sink: func(kind StreamKind, chunk []byte) {
			if kind == StreamStdout {
				gotStdout = append(gotStdout, chunk...)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if string(gotStdout) != "hello\n" {
		t.Fatalf("sink stdout = %q, want %q", gotStdout, "hello\n")
	}
	if string(res.Stdout) != "hello\n" {
		t.Fatalf("buffered stdout = %q, want %q", res.Stdout, "hello\n")
	}
}

func TestRunDirectNonZeroExit(t *testing.T) {
	d := &Driver{}
	res, err := d.Run(context.Background(), RunSpec{
		Cmd:    []string{"sh", "-c", "exit 3"},
		Cwd:    t.TempDir(),
		Env:    []string{"PATH=/usr/bin:/bin"},
		FsMode: FsModeDirect,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunGuardedWithoutReexecFailsClosedForReadOnly(t *testing.T) {
	d := &Driver{} // ReexecPath intentionally empty
	_, err := d.Run(context.Background(), RunSpec{
		Cmd:    []string{"true"},
		Cwd:    t.TempDir(),
		FsMode: FsModeReadOnly,
	})
	if err == nil {
		t.Fatalf("expected enforcement error when reexec path is unavailable for read-only mode")
	}
}

func TestRunGuardedWithoutReexecDegradesForWritable(t *testing.T) {
	d := &Driver{}
	res, err := d.Run(context.Background(), RunSpec{
		Cmd:    []string{"sh", "-c", "echo ok"},
		Cwd:    t.TempDir(),
		Env:    []string{"PATH=/usr/bin:/bin"},
		FsMode: FsModeWritable,
	})
	if err != nil {
		t.Fatalf("expected writable mode to degrade to direct exec rather than fail, got %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestTimeoutSendsSigterm(t *testing.T) {
	d := &Driver{}
	start := time.Now()
	res, err := d.Run(context.Background(), RunSpec{
		Cmd:     []string{"sh", "-c", "trap 'exit 42' TERM; sleep 5"},
		Cwd:     t.TempDir(),
		Env:     []string{"PATH=/usr/bin:/bin"},
		FsMode:  FsModeDirect,
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("expected timeout to terminate quickly")
	}
	_ = res
}
