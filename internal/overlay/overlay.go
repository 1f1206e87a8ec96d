// Package overlay manages per-world overlayfs mounts — kernel overlayfs
// first, fuse-overlayfs as a fallback — and derives an FsDiff by walking the
// upper layer.
package overlay

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atomize-hq/substrate/internal/diffmodel"
	"github.com/atomize-hq/substrate/internal/logger"
)

// ErrRemountUnsupported is returned by RemountReadOnly/RemountWritable when
// the active mount is fuse-overlayfs, which does not support MS_REMOUNT.
var ErrRemountUnsupported = errors.New("overlay: remount not supported on fuse-overlayfs")

// ErrUnmountBusy is returned by Cleanup when something is still mounted
// under the merged directory, so removing the overlay tree would be unsafe.
var ErrUnmountBusy = errors.New("overlay: merged directory still has an active mount")

func baseDir() (string, error) {
	if v := os.Getenv("SUBSTRATE_OVERLAY_ROOT"); v != "" {
		return v, nil
	}
	if os.Getuid() == 0 {
		return "/var/lib/substrate/overlay", nil
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "substrate", "overlay"), nil
	}
	return fmt.Sprintf("/tmp/substrate-%d-overlay", os.Getuid()), nil
}

// Overlay owns the upper/work/merged directory triad for one world.
type Overlay struct {
	WorldID string

	overlayDir string
	upperDir   string
	workDir    string
	mergedDir  string
	lowerDir   string

	mounted   bool
	usingFuse bool
	fuseCmd   *exec.Cmd
}

// New allocates the directory layout for worldID but does not mount anything.
func New(worldID string) (*Overlay, error) {
	base, err := baseDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: create base dir: %w", err)
	}
	dir := filepath.Join(base, worldID)
	o := &Overlay{
		WorldID:    worldID,
		overlayDir: dir,
		upperDir:   filepath.Join(dir, "upper"),
		workDir:    filepath.Join(dir, "work"),
		mergedDir:  filepath.Join(dir, "merged"),
	}
	return o, nil
}

// IsMounted reports whether the overlay is currently active.
func (o *Overlay) IsMounted() bool { return o.mounted }

// IsUsingFuse reports whether the active mount is fuse-overlayfs rather than
// the kernel overlay driver.
func (o *Overlay) IsUsingFuse() bool { return o.usingFuse }

// MergedDir returns the merged mountpoint path.
func (o *Overlay) MergedDir() string { return o.mergedDir }

// UpperDir returns the upper (writable) layer path.
func (o *Overlay) UpperDir() string { return o.upperDir }

func (o *Overlay) prepareDirs() error {
	for _, d := range []string{o.upperDir, o.workDir, o.mergedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("overlay: mkdir %s: %w", d, err)
		}
	}
	return nil
}

func overlayOpts(lower, upper, work string) string {
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
}

// Mount mounts a writable overlay with lower as the read-only base.
// It tries the kernel overlay filesystem first, then falls back to
// fuse-overlayfs if the kernel mount is rejected (commonly EINVAL inside
// unprivileged user namespaces, or overlay-on-overlay restrictions).
func (o *Overlay) Mount(lower string) (string, error) {
	if o.mounted {
		return o.mergedDir, nil
	}
	o.usingFuse = false
	o.fuseCmd = nil
	if err := o.prepareDirs(); err != nil {
		return "", err
	}
	o.lowerDir = lower

	opts := overlayOpts(lower, o.upperDir, o.workDir)
	if err := unix.Mount("overlay", o.mergedDir, "overlay", 0, opts); err == nil {
		o.mounted = true
		return o.mergedDir, nil
	} else {
		logger.Warn("kernel overlay mount failed, falling back to fuse-overlayfs", "world_id", o.WorldID, "error", err)
	}

	if err := o.mountFuse(lower, false); err != nil {
		return "", err
	}
	o.mounted = true
	return o.mergedDir, nil
}

// MountReadOnly mounts an overlay with no writable upper layer: writes
// inside merged fail as if the tree itself were read-only.
func (o *Overlay) MountReadOnly(lower string) (string, error) {
	if o.mounted {
		return o.mergedDir, nil
	}
	o.usingFuse = false
	o.fuseCmd = nil
	if err := os.MkdirAll(o.overlayDir, 0o755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(o.mergedDir, 0o755); err != nil {
		return "", err
	}
	o.lowerDir = lower

	if err := unix.Mount("overlay", o.mergedDir, "overlay", unix.MS_RDONLY, "lowerdir="+lower); err == nil {
		o.mounted = true
		return o.mergedDir, nil
	}

	if err := unix.Mount(lower, o.mergedDir, "", unix.MS_BIND, ""); err != nil {
		return "", fmt.Errorf("overlay: read-only bind fallback: %w", err)
	}
	if err := unix.Mount("", o.mergedDir, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		unix.Unmount(o.mergedDir, unix.MNT_DETACH)
		return "", fmt.Errorf("overlay: remount read-only bind: %w", err)
	}
	o.mounted = true
	return o.mergedDir, nil
}

// MountFuseOnly mounts via fuse-overlayfs without first attempting the
// kernel driver, useful when the caller already knows kernel overlay is
// unavailable (e.g. repeated failures recorded earlier in the process).
func (o *Overlay) MountFuseOnly(lower string) (string, error) {
	if o.mounted {
		return o.mergedDir, nil
	}
	if err := o.prepareDirs(); err != nil {
		return "", err
	}
	o.lowerDir = lower
	if err := o.mountFuse(lower, true); err != nil {
		return "", err
	}
	o.mounted = true
	return o.mergedDir, nil
}

func (o *Overlay) mountFuse(lower string, required bool) error {
	if _, err := exec.LookPath("fuse-overlayfs"); err != nil {
		return fmt.Errorf("overlay: fuse-overlayfs not available: %w", err)
	}
	opts := overlayOpts(lower, o.upperDir, o.workDir)
	cmd := exec.Command("fuse-overlayfs", "-o", opts, o.mergedDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("overlay: spawn fuse-overlayfs: %w", err)
	}
	o.fuseCmd = cmd
	o.usingFuse = true

	if err := waitForMount(o.mergedDir, 2*time.Second); err != nil {
		_ = cmd.Process.Kill()
		o.usingFuse = false
		o.fuseCmd = nil
		return fmt.Errorf("overlay: fuse-overlayfs did not come up: %w", err)
	}
	return nil
}

func waitForMount(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mounted, err := isPathMounted(path); err == nil && mounted {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return errors.New("timed out waiting for mount to appear")
}

// isPathMounted reports whether path is itself a mountpoint by scanning
// /proc/self/mountinfo for an exact mount-point match.
func isPathMounted(path string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()

	clean := filepath.Clean(path)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		if fields[4] == clean {
			return true, nil
		}
	}
	return false, sc.Err()
}

// anyMountUnder reports whether any mount point in mountinfo is rooted at
// or beneath path — used to refuse cleanup while something is still mounted
// inside the merged tree.
func anyMountUnder(path string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()

	clean := filepath.Clean(path)
	prefix := clean + "/"
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		mp := fields[4]
		if mp == clean || strings.HasPrefix(mp, prefix) {
			return true, nil
		}
	}
	return false, sc.Err()
}

// RemountReadOnly flips an already-mounted kernel overlay to read-only.
// fuse-overlayfs does not support MS_REMOUNT; callers get ErrRemountUnsupported
// and must fall back to a fresh MountReadOnly.
func (o *Overlay) RemountReadOnly() error {
	if !o.mounted {
		return errors.New("overlay: cannot remount before mount")
	}
	if o.usingFuse {
		return ErrRemountUnsupported
	}
	if err := unix.Mount("", o.mergedDir, "", unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("overlay: remount read-only: %w", err)
	}
	return nil
}

// RemountWritable reverses RemountReadOnly.
func (o *Overlay) RemountWritable() error {
	if !o.mounted {
		return errors.New("overlay: cannot remount before mount")
	}
	if o.usingFuse {
		return ErrRemountUnsupported
	}
	if err := unix.Mount("", o.mergedDir, "", unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("overlay: remount writable: %w", err)
	}
	return nil
}

// Unmount lazily detaches the merged mount and, for fuse-overlayfs, waits
// for the helper process to exit.
func (o *Overlay) Unmount() error {
	if !o.mounted {
		return nil
	}
	if err := unix.Unmount(o.mergedDir, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) {
		logger.Warn("overlay unmount failed", "world_id", o.WorldID, "error", err)
	}
	if o.usingFuse && o.fuseCmd != nil && o.fuseCmd.Process != nil {
		_ = o.fuseCmd.Wait()
	}
	o.mounted = false
	o.usingFuse = false
	o.fuseCmd = nil
	return nil
}

// Probe writes and removes a sentinel file under merged to verify the
// mount is actually writable and alive.
func (o *Overlay) Probe() bool {
	sentinel := filepath.Join(o.mergedDir, ".substrate-probe")
	if err := os.WriteFile(sentinel, []byte("ok"), 0o600); err != nil {
		return false
	}
	os.Remove(sentinel)
	return true
}

// ComputeDiff walks the upper layer and classifies entries. Whiteout files
// (prefixed .wh.) are deletes; everything else is treated as a write. This
// is conservative: overlayfs does not distinguish a pure metadata touch from
// a content write once a file has been copied up, so both are reported as
// writes rather than attempting (and frequently mis-detecting) a mod split.
func (o *Overlay) ComputeDiff() (diffmodel.FsDiff, error) {
	if _, err := os.Stat(o.upperDir); errors.Is(err, os.ErrNotExist) {
		return diffmodel.FsDiff{}, nil
	}

	b := diffmodel.NewBuilder()
	err := filepath.WalkDir(o.upperDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(o.upperDir, path)
		if relErr != nil || rel == "." {
			return nil
		}
		name := filepath.Base(rel)
		dir := filepath.Dir(rel)

		if strings.HasPrefix(name, ".wh.") {
			deleted := strings.TrimPrefix(name, ".wh.")
			if dir != "." {
				deleted = filepath.Join(dir, deleted)
			}
			b.AddDelete(deleted)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		b.AddWrite(rel)
		return nil
	})
	if err != nil {
		return diffmodel.FsDiff{}, fmt.Errorf("overlay: walk upper: %w", err)
	}
	return b.Build(), nil
}

// Cleanup unmounts (if needed) and removes the overlay directory tree. It
// refuses to remove anything while mountinfo still shows something mounted
// under merged, to avoid deleting a live mount's backing store.
func (o *Overlay) Cleanup() error {
	if err := o.Unmount(); err != nil {
		return err
	}
	if busy, err := anyMountUnder(o.mergedDir); err == nil && busy {
		logger.Warn("overlay cleanup skipped: merged directory still mounted", "world_id", o.WorldID, "path", o.mergedDir)
		return ErrUnmountBusy
	}
	if err := os.RemoveAll(o.overlayDir); err != nil {
		logger.Warn("overlay cleanup left directory in place", "world_id", o.WorldID, "path", o.overlayDir, "error", err)
		return err
	}
	return nil
}
