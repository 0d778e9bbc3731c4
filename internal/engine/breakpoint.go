//go:build linux

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// breakpoint is a software breakpoint planted at the entry of an intercepted
// function, or at a return address a hooked call will come back to.
type breakpoint struct {
	addr  uint64
	orig  []byte
	hooks []*symbolHook
	// calls in flight that return through addr
	returns int
	hits    uint64
}

// clone copies b for a forked address space. No thread of the child has a
// call in flight yet.
func (b *breakpoint) clone() *breakpoint {
	c := *b
	c.orig = append([]byte(nil), b.orig...)
	c.hooks = append([]*symbolHook(nil), b.hooks...)
	c.returns = 0
	return &c
}

// unused reports whether nothing waits at b any more.
func (b *breakpoint) unused() bool { return len(b.hooks) == 0 && b.returns == 0 }

// pendingReturn is a hooked call that has not returned yet.
type pendingReturn struct {
	bp    *breakpoint
	sp    uint64
	hooks []*symbolHook
	args  [6]uint64
}

// insertBreakpoint saves the original instruction bytes at addr and overwrites them
// with the trap instruction. tid must be a stopped tracee.
func insertBreakpoint(tid int, addr uint64) (*breakpoint, error) {
	orig := make([]byte, len(breakpointInsn))
	if _, err := unix.PtracePeekData(tid, uintptr(addr), orig); err != nil {
		return nil, fmt.Errorf("saving instruction at %#x: %w", addr, err)
	}
	if _, err := unix.PtracePokeData(tid, uintptr(addr), breakpointInsn); err != nil {
		return nil, fmt.Errorf("planting breakpoint at %#x: %w", addr, err)
	}
	return &breakpoint{addr: addr, orig: orig}, nil
}

func (b *breakpoint) disarm(tid int) error {
	if _, err := unix.PtracePokeData(tid, uintptr(b.addr), b.orig); err != nil {
		return fmt.Errorf("restoring instruction at %#x: %w", b.addr, err)
	}
	return nil
}

func (b *breakpoint) arm(tid int) error {
	if _, err := unix.PtracePokeData(tid, uintptr(b.addr), breakpointInsn); err != nil {
		return fmt.Errorf("re-planting breakpoint at %#x: %w", b.addr, err)
	}
	return nil
}
