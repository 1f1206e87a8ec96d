//go:build linux

package wexec

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/atomize-hq/substrate/internal/logger"
)

// GuardConfig is what the hidden _fsguard subcommand parses from its flags
// before exec'ing the real command.
type GuardConfig struct {
	FsMode           FsMode
	MergedDir        string
	ProjectDir       string
	WritablePrefixes []string
	DenyPaths        []string
	Argv             []string
}

// RunGuard performs the mount-namespace setup implied by cfg.FsMode, then
// execs cfg.Argv in place of this process. It never returns on success —
// syscall.Exec replaces the process image. On failure it returns an error
// so the caller (the hidden cobra command) can set a distinguishing exit
// code.
func RunGuard(cfg GuardConfig) error {
	// Make our mount namespace's root private so none of the binds below
	// propagate back to the host mount namespace.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("fsguard: make root rprivate: %w", err)
	}

	switch cfg.FsMode {
	case FsModeWritable:
		if err := bindProjectDir(cfg.MergedDir, cfg.ProjectDir, false); err != nil {
			return err
		}
	case FsModeReadOnly:
		if err := bindProjectDir(cfg.MergedDir, cfg.ProjectDir, true); err != nil {
			return err
		}
	case FsModeFullCage:
		if err := buildCage(cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("fsguard: unsupported fs mode %q", cfg.FsMode)
	}

	if err := applySeccomp(); err != nil {
		logger.Warn("fsguard: seccomp filter not applied", "error", err)
	}

	return execArgv(cfg.Argv)
}

// bindProjectDir bind-mounts mergedDir onto projectDir's original host path,
// so relative paths the command already expects to use still resolve, and
// optionally remounts that bind read-only.
func bindProjectDir(mergedDir, projectDir string, readOnly bool) error {
	if err := unix.Mount(mergedDir, projectDir, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("fsguard: bind project dir: %w", err)
	}
	if readOnly {
		if err := unix.Mount("", projectDir, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("fsguard: remount project dir read-only: %w", err)
		}
	}
	return nil
}

// buildCage assembles a minimal rootfs under a scratch directory: read-only
// binds of /usr /bin /lib /lib64 /etc /dev, a fresh /proc, a tmpfs /tmp, the
// project bind (writable unless the whole cage is meant to be read-only, in
// which case the outer fs mode already implies FsModeReadOnly and wouldn't
// reach here), then pivot_roots into it.
func buildCage(cfg GuardConfig) error {
	root, err := os.MkdirTemp("", "substrate-cage-*")
	if err != nil {
		return fmt.Errorf("fsguard: create cage root: %w", err)
	}

	roBinds := []string{"/usr", "/bin", "/lib", "/lib64", "/etc"}
	for _, src := range roBinds {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(root, src)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("fsguard: mkdir %s: %w", dst, err)
		}
		if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("fsguard: bind %s: %w", src, err)
		}
		if err := unix.Mount("", dst, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("fsguard: remount %s read-only: %w", src, err)
		}
	}

	devDst := filepath.Join(root, "dev")
	if err := os.MkdirAll(devDst, 0o755); err == nil {
		if err := unix.Mount("/dev", devDst, "", unix.MS_BIND|unix.MS_REC, ""); err == nil {
			_ = unix.Mount("", devDst, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_REC, "")
		}
	}

	procDst := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDst, 0o755); err != nil {
		return fmt.Errorf("fsguard: mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procDst, "proc", 0, ""); err != nil {
		return fmt.Errorf("fsguard: mount proc: %w", err)
	}

	tmpDst := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDst, 0o1777); err != nil {
		return fmt.Errorf("fsguard: mkdir tmp: %w", err)
	}
	if err := unix.Mount("tmpfs", tmpDst, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("fsguard: mount tmpfs /tmp: %w", err)
	}

	projectDst := filepath.Join(root, "project")
	if err := os.MkdirAll(projectDst, 0o755); err != nil {
		return fmt.Errorf("fsguard: mkdir project: %w", err)
	}
	if err := unix.Mount(cfg.MergedDir, projectDst, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("fsguard: bind project into cage: %w", err)
	}
	// Also bind to the original host path so tools using absolute paths
	// baked in at build time still resolve inside the cage.
	origDst := filepath.Join(root, filepath.Clean(cfg.ProjectDir))
	if err := os.MkdirAll(origDst, 0o755); err == nil {
		_ = unix.Mount(cfg.MergedDir, origDst, "", unix.MS_BIND, "")
	}

	for _, prefix := range cfg.WritablePrefixes {
		dst := filepath.Join(root, filepath.Clean(prefix))
		if err := os.MkdirAll(dst, 0o755); err != nil {
			continue
		}
		if err := unix.Mount(prefix, dst, "", unix.MS_BIND, ""); err != nil {
			continue
		}
		_ = unix.Mount("", dst, "", unix.MS_REMOUNT|unix.MS_BIND, "")
	}

	oldRoot := filepath.Join(root, ".old_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("fsguard: mkdir old root: %w", err)
	}
	if err := unix.PivotRoot(root, oldRoot); err != nil {
		return fmt.Errorf("fsguard: pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("fsguard: chdir to new root: %w", err)
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		logger.Warn("fsguard: lazy unmount of old root failed", "error", err)
	}

	home := "/tmp/home"
	if err := os.MkdirAll(home, 0o755); err == nil {
		os.Setenv("HOME", home)
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		placeholder := "/tmp/xdg-runtime"
		if err := os.MkdirAll(placeholder, 0o700); err == nil {
			os.Setenv("XDG_RUNTIME_DIR", placeholder)
		}
	}

	return nil
}

func execArgv(argv []string) error {
	path, err := lookPath(argv[0])
	if err != nil {
		return fmt.Errorf("fsguard: resolve %s: %w", argv[0], err)
	}
	return syscall.Exec(path, argv, os.Environ())
}

func lookPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("not found in PATH")
}
