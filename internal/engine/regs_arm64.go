//go:build linux && arm64

package engine

import "golang.org/x/sys/unix"

// https://man7.org/linux/man-pages/man2/syscall.2.html
//   Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6  arg7   Notes
//   ────────────────────────────────────────────────────────────
//   arm64       x0    x1    x2    x3    x4    x5    -
//
//   Arch/ABI    Instruction       System  Ret  Ret  Error  Notes
//                                 call #  val  val2
//   ────────────────────────────────────────────────────────────
//   arm64       svc #0            w8      x0   x1   -
//
// x0 is overwritten by the return value, so syscall arguments are only
// trustworthy at the entry stop. Function calls (AAPCS64) pass x0-x7.

type registers = unix.PtraceRegsArm64

// NT_PRSTATUS, the general purpose register set.
const ntPrstatus = 1

// brk #0
var breakpointInsn = []byte{0x00, 0x00, 0x20, 0xd4}

func getRegs(tid int, r *registers) error { return unix.PtraceGetRegSetArm64(tid, ntPrstatus, r) }
func setRegs(tid int, r *registers) error { return unix.PtraceSetRegSetArm64(tid, ntPrstatus, r) }

func syscallNr(r *registers) int { return int(r.Regs[8]) }

func syscallArgs(r *registers) [6]uint64 {
	return [6]uint64{r.Regs[0], r.Regs[1], r.Regs[2], r.Regs[3], r.Regs[4], r.Regs[5]}
}

func syscallRet(r *registers) int64 { return int64(r.Regs[0]) }

func callArgs(r *registers) [6]uint64 { return syscallArgs(r) }

func pc(r *registers) uint64 { return r.Pc }

func setPC(r *registers, v uint64) { r.Pc = v }

// breakpointAddr returns the address of the breakpoint that trapped. brk
// does not advance the program counter.
func breakpointAddr(trapPC uint64) uint64 { return trapPC }

func stackPointer(r *registers) uint64 { return r.Sp }

func returnValue(r *registers) int64 { return int64(r.Regs[0]) }

// returnAddr is the link register at the first instruction of a function.
func returnAddr(_ memory, r *registers) (uint64, error) { return r.Regs[30], nil }

func returnSP(r *registers) uint64 { return r.Sp }
