//go:build linux

package wexec

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// deniedSyscalls are blocked via seccomp inside a guarded execution,
// regardless of fs mode: they let a process escape the mount/pivot_root
// isolation or attach a debugger to anything outside its own tree.
var deniedSyscalls = []uint32{
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_REBOOT,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_PTRACE,
}

const (
	seccompRetAllow uint32 = 0x7fff0000
	seccompRetErrno uint32 = 0x00050000
)

// buildSeccompFilter returns a BPF program that denies deniedSyscalls with
// EPERM and allows everything else.
func buildSeccompFilter() []unix.SockFilter {
	n := len(deniedSyscalls)
	if n == 0 {
		return nil
	}

	prog := make([]unix.SockFilter, 0, n+3)
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS,
		K:    0, // offsetof(struct seccomp_data, nr)
	})

	for i, nr := range deniedSyscalls {
		jmpToDeny := uint8(n - i)
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   jmpToDeny,
			Jf:   0,
			K:    nr,
		})
	}

	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetAllow})
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetErrno | uint32(unix.EPERM)})
	return prog
}

// applySeccomp installs buildSeccompFilter via PR_SET_NO_NEW_PRIVS + seccomp,
// applying to the calling process (the fsguard, right before it execs the
// real command — the filter is inherited across exec).
func applySeccomp() error {
	prog := buildSeccompFilter()
	if prog == nil {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return err
	}
	sockFprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&sockFprog)))
	if errno != 0 {
		return errno
	}
	return nil
}
