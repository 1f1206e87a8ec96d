package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadNoBase(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "m.yaml", `
tools:
  - name: node
    version: "20"
env:
  - NODE_ENV
setup:
  - npm install
`)
	m, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Tools) != 1 || m.Tools[0].Name != "node" {
		t.Fatalf("unexpected tools: %+v", m.Tools)
	}
	if len(m.Setup) != 1 || m.Setup[0] != "npm install" {
		t.Fatalf("unexpected setup: %+v", m.Setup)
	}
}

func TestLoadWithRelativeBase(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "base.yaml", `
tools:
  - name: git
setup:
  - git config --global init.defaultBranch main
`)
	child := write(t, dir, "child.yaml", `
base: ./base.yaml
tools:
  - name: node
    version: "20"
setup:
  - npm install
`)
	m, err := Load(child)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Tools) != 2 {
		t.Fatalf("expected merged tools (git, node), got %+v", m.Tools)
	}
	if len(m.Setup) != 2 || m.Setup[0] != "git config --global init.defaultBranch main" {
		t.Fatalf("expected parent setup first, got %+v", m.Setup)
	}
}

func TestLoadBaseNoneRejectsMasks(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "child.yaml", `
base:
  name: none
  tools: ./other.yaml
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for masks with base: none")
	}
}

func TestCircularBaseDetected(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.yaml", "base: ./b.yaml\n")
	write(t, dir, "b.yaml", "base: ./a.yaml\n")

	if _, err := Load(filepath.Join(dir, "a.yaml")); err == nil {
		t.Fatalf("expected circular reference error")
	}
}

func TestSectionMask(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "parent.yaml", `
tools:
  - name: git
env:
  - PARENT_VAR
`)
	write(t, dir, "tools-only.yaml", `
tools:
  - name: rust
`)
	child := write(t, dir, "child.yaml", `
base:
  name: ./parent.yaml
  tools: ./tools-only.yaml
`)
	m, err := Load(child)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Tools) != 1 || m.Tools[0].Name != "rust" {
		t.Fatalf("expected tools section masked to rust only, got %+v", m.Tools)
	}
	if len(m.Env) != 1 || m.Env[0] != "PARENT_VAR" {
		t.Fatalf("expected env section unaffected by tools mask, got %+v", m.Env)
	}
}

func TestMergeVarsChildOverrides(t *testing.T) {
	parent := &Manifest{Vars: map[string]string{"A": "1", "B": "2"}}
	child := &Manifest{Vars: map[string]string{"B": "3", "C": "4"}}
	merged := Merge(parent, child)
	if merged.Vars["A"] != "1" || merged.Vars["B"] != "3" || merged.Vars["C"] != "4" {
		t.Fatalf("unexpected merged vars: %+v", merged.Vars)
	}
}
