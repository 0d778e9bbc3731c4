//go:build linux && amd64

package engine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// https://man7.org/linux/man-pages/man2/syscall.2.html
//   Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6  arg7   Notes
//   ────────────────────────────────────────────────────────────
//   x86-64      rdi   rsi   rdx   r10   r8    r9    -
//
//   Arch/ABI    Instruction       System  Ret  Ret  Error  Notes
//                                 call #  val  val2
//   ────────────────────────────────────────────────────────────
//   x86-64      syscall           rax     rax  rdx  -      5
//
// Function calls (System V ABI) pass rdi, rsi, rdx, rcx, r8, r9.

type registers = unix.PtraceRegs

// int3
var breakpointInsn = []byte{0xcc}

func getRegs(tid int, r *registers) error { return unix.PtraceGetRegs(tid, r) }
func setRegs(tid int, r *registers) error { return unix.PtraceSetRegs(tid, r) }

func syscallNr(r *registers) int { return int(r.Orig_rax) }

func syscallArgs(r *registers) [6]uint64 {
	return [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9}
}

func syscallRet(r *registers) int64 { return int64(r.Rax) }

func callArgs(r *registers) [6]uint64 {
	return [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.Rcx, r.R8, r.R9}
}

func pc(r *registers) uint64 { return r.Rip }

func setPC(r *registers, v uint64) { r.Rip = v }

// breakpointAddr returns the address of the breakpoint that trapped, given
// the program counter reported at the trap. int3 leaves rip past itself.
func breakpointAddr(trapPC uint64) uint64 { return trapPC - uint64(len(breakpointInsn)) }

func stackPointer(r *registers) uint64 { return r.Rsp }

func returnValue(r *registers) int64 { return int64(r.Rax) }

// returnAddr reads the return address of a function stopped at its first
// instruction, which call left on top of the stack.
func returnAddr(m memory, r *registers) (uint64, error) {
	b, err := m.Read(r.Rsp, 8)
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, unix.EFAULT
	}
	return binary.LittleEndian.Uint64(b), nil
}

// returnSP is the stack pointer after ret pops the return address.
func returnSP(r *registers) uint64 { return r.Rsp + 8 }
