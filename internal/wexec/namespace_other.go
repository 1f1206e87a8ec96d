//go:build !linux

package wexec

import "syscall"

// namespaceAttr has no namespace isolation to offer outside Linux; the
// re-exec still happens (for a consistent guard code path) but runs as a
// plain child process.
func namespaceAttr(spec RunSpec) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
