//go:build linux

package overlay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewAllocatesDirsLazily(t *testing.T) {
	t.Setenv("SUBSTRATE_OVERLAY_ROOT", t.TempDir())
	o, err := New("wld_test1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.IsMounted() {
		t.Fatalf("expected fresh overlay to report unmounted")
	}
	if _, err := os.Stat(o.UpperDir()); !os.IsNotExist(err) {
		t.Fatalf("expected upper dir not to exist before mount")
	}
}

func TestComputeDiffEmptyBeforeMount(t *testing.T) {
	t.Setenv("SUBSTRATE_OVERLAY_ROOT", t.TempDir())
	o, err := New("wld_test2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	diff, err := o.ComputeDiff()
	if err != nil {
		t.Fatalf("ComputeDiff: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty diff before any mount, got %+v", diff)
	}
}

func TestComputeDiffClassifiesWhiteouts(t *testing.T) {
	t.Setenv("SUBSTRATE_OVERLAY_ROOT", t.TempDir())
	o, err := New("wld_test3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.MkdirAll(o.UpperDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(o.UpperDir(), "new.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(o.UpperDir(), ".wh.removed.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	diff, err := o.ComputeDiff()
	if err != nil {
		t.Fatalf("ComputeDiff: %v", err)
	}
	if len(diff.Writes) != 1 || diff.Writes[0] != "new.txt" {
		t.Fatalf("writes = %v", diff.Writes)
	}
	if len(diff.Deletes) != 1 || diff.Deletes[0] != "removed.txt" {
		t.Fatalf("deletes = %v", diff.Deletes)
	}
}

func TestUnmountNoopWhenNotMounted(t *testing.T) {
	t.Setenv("SUBSTRATE_OVERLAY_ROOT", t.TempDir())
	o, err := New("wld_test4")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Unmount(); err != nil {
		t.Fatalf("Unmount on unmounted overlay should be a no-op, got %v", err)
	}
}

func TestRemountBeforeMountFails(t *testing.T) {
	t.Setenv("SUBSTRATE_OVERLAY_ROOT", t.TempDir())
	o, err := New("wld_test5")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.RemountReadOnly(); err == nil {
		t.Fatalf("expected error remounting before mount")
	}
}

func TestMountRequiresPrivilege(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, mount privilege check not exercised")
	}
	t.Setenv("SUBSTRATE_OVERLAY_ROOT", t.TempDir())
	lower := t.TempDir()
	o, err := New("wld_test6")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Without CAP_SYS_ADMIN and without fuse-overlayfs on PATH this should
	// fail cleanly rather than hang or panic.
	if _, err := o.Mount(lower); err == nil {
		t.Cleanup(func() { _ = o.Cleanup() })
	}
}
