//go:build linux

// Package syscalls maps syscall names to native numbers and back.
package syscalls

import (
	"fmt"
	"strings"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// Lookup returns the native syscall number for name. The second return is
// false when the syscall does not exist on the running architecture.
func Lookup(name string) (int, bool) {
	sc, err := seccomp.GetSyscallFromName(strings.ToLower(name))
	if err != nil {
		return -1, false
	}
	// libseccomp hands out negative pseudo-numbers for syscalls that exist
	// on some architecture but not this one.
	if sc < 0 {
		return -1, false
	}
	return int(sc), true
}

// Name returns the lower-case name of a native syscall number.
func Name(nr int) string {
	name, err := seccomp.ScmpSyscall(nr).GetName()
	if err != nil || name == "" {
		return fmt.Sprintf("syscall_%d", nr)
	}
	return name
}
