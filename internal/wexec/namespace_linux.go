//go:build linux

package wexec

import (
	"os"
	"syscall"
)

// namespaceAttr builds the SysProcAttr used to re-exec into the fsguard
// subcommand. The guard always gets a fresh mount namespace (so its bind
// mounts and pivot_root don't leak to the host) and a fresh PID namespace
// (so the cage can't see host processes). Network isolation is layered on
// separately by netscope and is not part of this clone flag set — fs mode
// and network scope are independent axes.
func namespaceAttr(spec RunSpec) *syscall.SysProcAttr {
	flags := syscall.CLONE_NEWNS | syscall.CLONE_NEWPID

	attr := &syscall.SysProcAttr{
		Cloneflags: uintptr(flags),
		Setpgid:    true,
	}

	if os.Geteuid() != 0 {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		uid := os.Getuid()
		gid := os.Getgid()
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
	}

	return attr
}
