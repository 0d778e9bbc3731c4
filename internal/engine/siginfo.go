//go:build linux

package engine

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// siUser is the si_code of signals sent with kill(2) and friends.
const siUser = 0

// siginfo is siginfo_t on 64-bit targets, with the sender fields of the kill
// member of the union spelled out.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Pid   int32
	Uid   uint32
	_     [104]byte
}

func getSiginfo(tid int) (*siginfo, error) {
	var si siginfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if errno != 0 {
		return nil, errno
	}
	return &si, nil
}
