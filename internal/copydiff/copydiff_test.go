package copydiff

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestChooseRootHonorsOverride(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "custom-root")
	root, source, err := ChooseRoot(override)
	if err != nil {
		t.Fatalf("ChooseRoot: %v", err)
	}
	if root != override {
		t.Fatalf("expected override root %q, got %q", override, root)
	}
	if source != SourceEnvOverride {
		t.Fatalf("expected SourceEnvOverride, got %q", source)
	}
}

func TestCandidatesOrderAndDedup(t *testing.T) {
	cands := candidates("/tmp")
	if len(cands) == 0 {
		t.Fatalf("expected at least one candidate")
	}
	if cands[0].path != "/tmp" || cands[0].source != SourceEnvOverride {
		t.Fatalf("expected override first, got %+v", cands[0])
	}
	seen := map[string]int{}
	for _, c := range cands {
		seen[c.path]++
	}
	for p, n := range seen {
		if n > 1 {
			t.Fatalf("candidate %q listed %d times, expected unique", p, n)
		}
	}
}

func TestRunComputesDiff(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("copydiff engine targets linux")
	}
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "keep.txt"), []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "remove.txt"), []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	eng := NewEngine(root)
	out, err := eng.Run(context.Background(), "wld_test", project, project,
		[]string{"sh", "-c", "echo added > new.txt && echo changed > keep.txt && rm remove.txt"},
		os.Environ())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%s)", out.ExitCode, out.Stderr)
	}

	hasWrite := false
	for _, w := range out.Diff.Writes {
		if w == "new.txt" {
			hasWrite = true
		}
	}
	if !hasWrite {
		t.Fatalf("expected new.txt in writes, got %v", out.Diff.Writes)
	}

	hasMod := false
	for _, m := range out.Diff.Mods {
		if m == "keep.txt" {
			hasMod = true
		}
	}
	if !hasMod {
		t.Fatalf("expected keep.txt in mods, got %v", out.Diff.Mods)
	}

	hasDelete := false
	for _, d := range out.Diff.Deletes {
		if d == "remove.txt" {
			hasDelete = true
		}
	}
	if !hasDelete {
		t.Fatalf("expected remove.txt in deletes, got %v", out.Diff.Deletes)
	}

	if _, err := os.Stat(filepath.Join(root, "wld_test-base")); !os.IsNotExist(err) {
		t.Fatalf("expected base copy to be cleaned up")
	}
}
