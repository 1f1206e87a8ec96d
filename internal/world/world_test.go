package world

import (
	"context"
	"testing"

	"github.com/atomize-hq/substrate/internal/wexec"
)

func TestIsolationKeyDistinguishesNetworkShape(t *testing.T) {
	a := isolationKey(Spec{ProjectDir: "/p", IsolateNetwork: true, AllowedDomains: []string{"a.com"}})
	b := isolationKey(Spec{ProjectDir: "/p", IsolateNetwork: true, AllowedDomains: []string{"b.com"}})
	c := isolationKey(Spec{ProjectDir: "/p", IsolateNetwork: false})
	if a == b {
		t.Fatalf("expected different allowed domains to produce different keys")
	}
	if a == c {
		t.Fatalf("expected isolate-network flag to change the key")
	}
}

func TestIsolationKeyStableForIdenticalSpec(t *testing.T) {
	s := Spec{ProjectDir: "/p", IsolateNetwork: true, AllowedDomains: []string{"a.com", "b.com"}}
	if isolationKey(s) != isolationKey(s) {
		t.Fatalf("expected identical specs to produce identical keys")
	}
}

func TestShouldIsolateDetectsInstallCommands(t *testing.T) {
	cases := map[string]bool{
		"pip install requests":  true,
		"npm install":           true,
		"npm ci":                true,
		"yarn add left-pad":     true,
		"cargo install ripgrep": true,
		"echo hello":            false,
		"ls -la /tmp":           false,
		"go build ./...":        false,
	}
	for cmd, want := range cases {
		if got := shouldIsolate(cmd); got != want {
			t.Errorf("shouldIsolate(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestRemapCwdInsideProject(t *testing.T) {
	got := remapCwd("/proj/sub/dir", "/proj", "/merged")
	want := "/merged/sub/dir"
	if got != want {
		t.Fatalf("remapCwd = %q, want %q", got, want)
	}
}

func TestRemapCwdEscapingProjectClampsToMerged(t *testing.T) {
	got := remapCwd("/etc", "/proj", "/merged")
	if got != "/merged" {
		t.Fatalf("remapCwd for escaping cwd = %q, want clamp to /merged", got)
	}
}

func TestEnsureReusesWorldWhenReuseSessionSet(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{ProjectDir: dir, ReuseSession: true}

	w1, err := Ensure(spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	w2, err := Ensure(spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if w1 != w2 {
		t.Fatalf("expected second Ensure with ReuseSession to return the same world")
	}
	if err := w1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestEnsureWithoutReuseSessionProvisionsFresh(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{ProjectDir: dir, ReuseSession: false}

	w1, err := Ensure(spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	defer w1.Release()

	w2, err := Ensure(spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	defer w2.Release()

	if w1 == w2 {
		t.Fatalf("expected fresh world when ReuseSession is false")
	}
}

func TestExecuteDirectSkipsIsolationForPlainCommand(t *testing.T) {
	w := &World{
		ID:         "wld_direct_test",
		ProjectDir: t.TempDir(),
		Spec:       Spec{FsMode: wexec.FsModeWritable},
		driver:     &wexec.Driver{},
	}

	res, err := w.Execute(context.Background(), []string{"sh", "-c", "echo hi"}, w.ProjectDir, []string{"PATH=/usr/bin:/bin"}, false, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Strategy != StrategyDirect {
		t.Fatalf("expected direct strategy for plain command, got %q", res.Strategy)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
}
