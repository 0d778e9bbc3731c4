//go:build linux

// Package engine is a ptrace based call-interception engine. It stops a
// traced process at syscall entry and exit and at software breakpoints
// planted on exported functions, and hands every hit to registered hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kaczmarj/dblocate/internal/proc"
	"github.com/kaczmarj/dblocate/internal/symbols"
	"github.com/kaczmarj/dblocate/internal/syscalls"
)

// ErrUnknownSyscall is returned when a hook names a syscall this
// architecture does not have.
var ErrUnknownSyscall = errors.New("unknown syscall")

const (
	ptraceOptions = unix.PTRACE_O_TRACESYSGOOD |
		unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACEEXEC

	// TRACESYSGOOD sets bit 7 of the stop signal for syscall stops.
	syscallStop = unix.SIGTRAP | 0x80

	// how often a cancelled session retries waking the event loop when the
	// tracee it picked is already gone
	wakeRetry = 10 * time.Millisecond
)

// Options configure a Tracer.
type Options struct {
	Logger *zap.Logger
	// FollowForks keeps tracing children forked by the target. When false,
	// children are cleaned of breakpoints and released at their first stop.
	FollowForks bool
}

// Stats are running totals of a tracing session.
type Stats struct {
	Syscalls       uint64
	BreakpointHits uint64
	HookErrors     uint64
	Processes      uint64
}

// Interception is a symbol point planted in a process.
type Interception struct {
	Pid    int
	Symbol string
	Module string
	Addr   uint64
}

type syscallHook struct {
	name string
	hook Hook
}

type symbolHook struct {
	module string
	symbol string
	hook   Hook
}

// process is one address space.
type process struct {
	pid         int
	followed    bool
	breakpoints map[uint64]*breakpoint
	resolved    map[*symbolHook]bool
	resolver    *symbols.Resolver
	// breakpoints that could not be re-planted after a step and wait for the
	// next stopped thread of this process
	rearm []*breakpoint
	// set for vfork children running in their parent's memory
	shares *process
}

type thread struct {
	tid        int
	proc       *process
	inSyscall  bool
	nr         int
	args       [6]uint64
	expectStop bool
	sig        int
	// hooked calls in flight, innermost last
	returns []pendingReturn
	// attached while possibly in execve, before our options applied
	attachedEarly bool
}

// Tracer drives one tracing session. Hooks must be registered before
// Attach or Launch; a Tracer is not reusable.
type Tracer struct {
	opts Options
	log  *zap.Logger

	syscallHooks map[int][]syscallHook
	symbolHooks  []*symbolHook

	procs   map[int]*process
	threads map[int]*thread
	// stops of threads whose clone/fork event has not been seen yet
	early map[int]unix.WaitStatus

	root          int
	launched      bool
	exitCode      int
	interceptions []Interception
	counts        map[int]uint64

	syscalls   atomic.Uint64
	hits       atomic.Uint64
	hookErrors atomic.Uint64
	processes  atomic.Uint64

	// target is the tgid<<32|tid a cancelled context stops to wake the
	// blocking wait; woken is the tid it stopped
	target atomic.Uint64
	woken  atomic.Int64
	aimed  int
}

// New returns a Tracer.
func New(opts Options) *Tracer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracer{
		opts:         opts,
		log:          opts.Logger.Named("engine"),
		syscallHooks: make(map[int][]syscallHook),
		procs:        make(map[int]*process),
		threads:      make(map[int]*thread),
		early:        make(map[int]unix.WaitStatus),
		counts:       make(map[int]uint64),
	}
}

// AddSyscallHook registers h on the syscall called name.
func (t *Tracer) AddSyscallHook(name string, h Hook) error {
	nr, ok := syscalls.Lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownSyscall)
	}
	t.syscallHooks[nr] = append(t.syscallHooks[nr], syscallHook{name: name, hook: h})
	return nil
}

// AddSymbolHook registers h on the exported function symbol of the module
// whose file name starts with module, or of any module when module is empty.
// The symbol is looked up in every traced address space once at start, after
// exec, and whenever a new executable mapping appears until it is found.
func (t *Tracer) AddSymbolHook(module, symbol string, h Hook) {
	t.symbolHooks = append(t.symbolHooks, &symbolHook{module: module, symbol: symbol, hook: h})
}

// Stats returns the running totals. It is safe to call concurrently.
func (t *Tracer) Stats() Stats {
	return Stats{
		Syscalls:       t.syscalls.Load(),
		BreakpointHits: t.hits.Load(),
		HookErrors:     t.hookErrors.Load(),
		Processes:      t.processes.Load(),
	}
}

// Interceptions lists every symbol point planted so far. Only call it after
// Attach or Launch returned.
func (t *Tracer) Interceptions() []Interception {
	out := append([]Interception(nil), t.interceptions...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pid != out[j].Pid {
			return out[i].Pid < out[j].Pid
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Unresolved lists the symbols never found in the root process.
func (t *Tracer) Unresolved() []string {
	found := make(map[string]bool)
	for _, in := range t.interceptions {
		if in.Pid == t.root {
			found[in.Symbol] = true
		}
	}
	var out []string
	for _, sh := range t.symbolHooks {
		if !found[sh.symbol] {
			out = append(out, sh.symbol)
		}
	}
	sort.Strings(out)
	return out
}

// SyscallCounts returns how often each syscall was entered by traced
// threads. Only call it after Attach or Launch returned.
func (t *Tracer) SyscallCounts() map[string]uint64 {
	out := make(map[string]uint64, len(t.counts))
	for nr, n := range t.counts {
		out[syscalls.Name(nr)] += n
	}
	return out
}

// ExitCode is the exit status of a launched program.
func (t *Tracer) ExitCode() int { return t.exitCode }

// Attach traces every thread of the running process pid until it exits or
// ctx is cancelled, in which case breakpoints are removed and the process is
// released.
func (t *Tracer) Attach(ctx context.Context, pid int) error {
	// All ptrace requests must come from the thread that attached.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := t.attach(pid); err != nil {
		_ = t.detachAll()
		return err
	}
	t.log.Info("attached", zap.Int("pid", pid), zap.Int("threads", len(t.threads)))
	return t.loop(ctx)
}

// Launch starts argv under ptrace and traces it until it exits or ctx is
// cancelled, in which case it is killed.
func (t *Tracer) Launch(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("nothing to launch")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid

	abandon := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	// We expect the trace/breakpoint trap of the initial exec here.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		abandon()
		return fmt.Errorf("waiting for %s to stop: %w", argv[0], err)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		if ws.Stopped() {
			abandon()
		}
		return fmt.Errorf("%s did not stop at exec (status %#x)", argv[0], uint32(ws))
	}
	if err := unix.PtraceSetOptions(pid, ptraceOptions|unix.PTRACE_O_EXITKILL); err != nil {
		abandon()
		return fmt.Errorf("setting ptrace options: %w", err)
	}

	t.launched = true
	t.root = pid
	p := t.newProcess(pid, true)
	th := &thread{tid: pid, proc: p}
	t.threads[pid] = th
	t.resolvePending(p, pid)
	t.log.Info("launched", zap.Strings("argv", argv), zap.Int("pid", pid))
	t.resume(th)
	return t.loop(ctx)
}

func (t *Tracer) attach(pid int) error {
	t.root = pid
	p := t.newProcess(pid, true)

	// Threads may be created while we attach; list again until stable.
	for {
		tids, err := proc.Threads(pid)
		if err != nil {
			return err
		}
		added := 0
		for _, tid := range tids {
			if _, ok := t.threads[tid]; ok {
				continue
			}
			if err := unix.PtraceAttach(tid); err != nil {
				if errors.Is(err, unix.ESRCH) {
					continue
				}
				return fmt.Errorf("attaching to thread %d of %d: %w", tid, pid, err)
			}
			th := &thread{tid: tid, proc: p, attachedEarly: true}
			t.threads[tid] = th
			if err := t.waitAttachStop(th); err != nil {
				t.log.Debug("thread vanished during attach", zap.Int("tid", tid), zap.Error(err))
				delete(t.threads, tid)
				continue
			}
			if err := unix.PtraceSetOptions(tid, ptraceOptions); err != nil {
				return fmt.Errorf("setting ptrace options on %d: %w", tid, err)
			}
			added++
		}
		if added == 0 {
			break
		}
	}
	if len(t.threads) == 0 {
		return fmt.Errorf("attaching to %d: no threads left", pid)
	}

	t.resolvePending(p, pid)
	for _, th := range t.threads {
		t.resume(th)
	}
	return nil
}

func (t *Tracer) waitAttachStop(th *thread) error {
	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(th.tid, &ws, unix.WALL, nil); err != nil {
			return err
		}
		switch {
		case ws.Exited() || ws.Signaled():
			return fmt.Errorf("thread %d exited", th.tid)
		case !ws.Stopped():
			continue
		case ws.StopSignal() == unix.SIGSTOP:
			return nil
		}
		// Another signal won the race with our SIGSTOP; redeliver it later.
		th.sig = int(ws.StopSignal())
		if err := unix.PtraceCont(th.tid, 0); err != nil {
			return err
		}
	}
}

func (t *Tracer) newProcess(pid int, followed bool) *process {
	p := &process{
		pid:         pid,
		followed:    followed,
		breakpoints: make(map[uint64]*breakpoint),
		resolved:    make(map[*symbolHook]bool),
		resolver:    symbols.NewResolver(rootOf(pid)),
	}
	t.procs[pid] = p
	t.processes.Add(1)
	return p
}

func rootOf(pid int) string {
	return "/proc/" + strconv.Itoa(pid) + "/root"
}

func (t *Tracer) loop(ctx context.Context) error {
	defer t.watch(ctx)()
	defer t.releaseEarly()

	for len(t.threads) > 0 {
		if ctx.Err() != nil {
			return t.stop()
		}
		t.aim()
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return nil
		case err != nil:
			return fmt.Errorf("wait4: %w", err)
		}
		t.handle(tid, ws)
	}
	return nil
}

// watch wakes the blocking wait of loop once ctx is done by stopping a
// tracee with SIGSTOP. Sending a signal is not a ptrace request, so it may
// come from any thread. The returned func ends the watch.
func (t *Tracer) watch(ctx context.Context) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		tick := time.NewTicker(wakeRetry)
		defer tick.Stop()
		for {
			if tg := t.target.Load(); tg != 0 {
				tid := int(uint32(tg))
				t.woken.Store(int64(tid))
				if unix.Tgkill(int(tg>>32), tid, unix.SIGSTOP) == nil {
					return
				}
			}
			select {
			case <-done:
				return
			case <-tick.C:
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// aim picks the tracee watch stops, keeping the previous one while it lives.
func (t *Tracer) aim() {
	if _, ok := t.threads[t.aimed]; ok {
		return
	}
	for tid, th := range t.threads {
		t.aimed = tid
		t.target.Store(uint64(th.proc.pid)<<32 | uint64(uint32(tid)))
		return
	}
}

// releaseEarly lets go of threads that stopped but whose creation was never
// reported because their parent died first.
func (t *Tracer) releaseEarly() {
	for tid := range t.early {
		_ = unix.PtraceDetach(tid)
	}
	t.early = make(map[int]unix.WaitStatus)
}

func (t *Tracer) handle(tid int, ws unix.WaitStatus) {
	th, ok := t.threads[tid]
	if !ok {
		if ws.Stopped() {
			t.early[tid] = ws
		}
		return
	}

	switch {
	case ws.Exited() || ws.Signaled():
		t.reap(th, ws)
		return
	case !ws.Stopped():
		return
	}

	switch sig := ws.StopSignal(); {
	case sig == syscallStop:
		t.onSyscall(th)
	case sig == unix.SIGTRAP && ws.TrapCause() > 0:
		t.onEvent(th, ws.TrapCause())
	case sig == unix.SIGTRAP:
		if !t.onBreakpoint(th) && !t.onExecTrap(th) {
			th.sig = int(sig)
		}
	case sig == unix.SIGSTOP && th.expectStop:
		th.expectStop = false
		if !th.proc.followed {
			t.release(th)
			return
		}
	case sig == unix.SIGSTOP && t.woken.CompareAndSwap(int64(th.tid), 0):
		// Sent by watch to wake the loop, not meant for the tracee.
	default:
		th.sig = int(sig)
	}

	if _, alive := t.threads[th.tid]; alive {
		t.rearm(th)
		t.resume(th)
	}
}

func (t *Tracer) resume(th *thread) {
	sig := th.sig
	th.sig = 0
	if err := unix.PtraceSyscall(th.tid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		t.log.Debug("resume failed", zap.Int("tid", th.tid), zap.Error(err))
	}
}

func (t *Tracer) reap(th *thread, ws unix.WaitStatus) {
	delete(t.threads, th.tid)
	// Return breakpoints left behind are removed by the next thread that
	// runs into them.
	for _, r := range th.returns {
		r.bp.returns--
	}
	th.returns = nil
	if th.tid == t.root {
		if ws.Signaled() {
			t.exitCode = 128 + int(ws.Signal())
		} else {
			t.exitCode = ws.ExitStatus()
		}
		t.log.Debug("root process exited", zap.Int("pid", th.tid), zap.Int("code", t.exitCode))
	}
	for _, other := range t.threads {
		if other.proc == th.proc {
			return
		}
	}
	delete(t.procs, th.proc.pid)
}

func (t *Tracer) call(th *thread, point string, args [6]uint64, ret int64) *Call {
	return &Call{
		Pid:   th.proc.pid,
		Tid:   th.tid,
		Point: point,
		Args:  args,
		Ret:   ret,
		Proc:  view{memory{pid: th.proc.pid, tid: th.tid}},
	}
}

// invoke runs one hook body. A failing or panicking hook is logged and
// counted; tracing goes on.
func (t *Tracer) invoke(point string, fn func(*Call) error, c *Call) {
	defer func() {
		if r := recover(); r != nil {
			t.hookErrors.Add(1)
			t.log.Error("hook panicked", zap.String("point", point), zap.Int("pid", c.Pid), zap.Any("panic", r))
		}
	}()
	if err := fn(c); err != nil {
		t.hookErrors.Add(1)
		t.log.Warn("hook failed", zap.String("point", point), zap.Int("pid", c.Pid), zap.Error(err))
	}
}

func (t *Tracer) onSyscall(th *thread) {
	var regs registers
	if err := getRegs(th.tid, &regs); err != nil {
		t.log.Debug("reading registers", zap.Int("tid", th.tid), zap.Error(err))
		return
	}

	if !th.inSyscall {
		th.inSyscall = true
		th.nr = syscallNr(&regs)
		th.args = syscallArgs(&regs)
		t.syscalls.Add(1)
		t.counts[th.nr]++
		for _, h := range t.syscallHooks[th.nr] {
			t.invoke(h.name, h.hook.Enter, t.call(th, h.name, th.args, 0))
		}
		return
	}

	th.inSyscall = false
	ret := syscallRet(&regs)
	for _, h := range t.syscallHooks[th.nr] {
		t.invoke(h.name, h.hook.Leave, t.call(th, h.name, th.args, ret))
	}
	// dlopen maps new code; look for pending symbols in it.
	if th.nr == unix.SYS_MMAP && th.args[2]&unix.PROT_EXEC != 0 && (ret >= 0 || ret < -4095) {
		t.resolvePending(th.proc, th.tid)
	}
}

func (t *Tracer) onEvent(th *thread, cause int) {
	msg, err := unix.PtraceGetEventMsg(th.tid)
	if err != nil {
		t.log.Debug("reading event message", zap.Int("tid", th.tid), zap.Error(err))
		return
	}
	switch cause {
	case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
		t.adopt(th, int(msg), cause)
	case unix.PTRACE_EVENT_EXEC:
		t.onExec(th, int(msg))
	}
}

// adopt registers a thread or process created by parent.
func (t *Tracer) adopt(parent *thread, tid, cause int) {
	if _, ok := t.threads[tid]; ok {
		return
	}
	child := &thread{tid: tid, expectStop: true}

	isThread := false
	if cause == unix.PTRACE_EVENT_CLONE {
		tgid, err := proc.Tgid(tid)
		isThread = err != nil || tgid == parent.proc.pid
	}
	if isThread {
		child.proc = parent.proc
	} else {
		child.proc = t.fork(parent, tid, cause)
	}
	t.threads[tid] = child

	if ws, ok := t.early[tid]; ok {
		delete(t.early, tid)
		t.handle(tid, ws)
	}
}

// fork creates the process record of a child. A child that shares the
// parent's memory shares its breakpoint table too; otherwise it gets a copy
// of the breakpoints it inherited.
func (t *Tracer) fork(parent *thread, pid, cause int) *process {
	pp := parent.proc
	p := &process{
		pid:      pid,
		followed: t.opts.FollowForks,
		resolver: symbols.NewResolver(rootOf(pid)),
	}
	if t.sharesMemory(parent, cause) {
		p.shares = pp
		p.breakpoints = pp.breakpoints
		p.resolved = pp.resolved
	} else {
		p.breakpoints = make(map[uint64]*breakpoint, len(pp.breakpoints))
		for addr, bp := range pp.breakpoints {
			p.breakpoints[addr] = bp.clone()
		}
		p.resolved = make(map[*symbolHook]bool, len(pp.resolved))
		for sh, ok := range pp.resolved {
			p.resolved[sh] = ok
		}
	}
	t.procs[pid] = p
	t.processes.Add(1)
	if p.followed {
		t.log.Info("following child", zap.Int("parent", pp.pid), zap.Int("pid", pid))
	}
	return p
}

func (t *Tracer) sharesMemory(parent *thread, cause int) bool {
	if cause == unix.PTRACE_EVENT_VFORK {
		return true
	}
	if !parent.inSyscall {
		return false
	}
	switch parent.nr {
	case unix.SYS_CLONE:
		return parent.args[0]&unix.CLONE_VM != 0
	case unix.SYS_CLONE3:
		// struct clone_args starts with the u64 flags.
		b, err := memory{pid: parent.proc.pid, tid: parent.tid}.Read(parent.args[0], 8)
		if err != nil || len(b) < 8 {
			return false
		}
		flags := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
			uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
		return flags&unix.CLONE_VM != 0
	}
	return false
}

// release detaches an unfollowed child at its first stop, after removing the
// breakpoints it inherited.
func (t *Tracer) release(th *thread) {
	p := th.proc
	if p.shares == nil {
		for _, bp := range p.breakpoints {
			if err := bp.disarm(th.tid); err != nil {
				t.log.Debug("cleaning child", zap.Int("pid", p.pid), zap.Error(err))
			}
		}
	}
	if err := unix.PtraceDetach(th.tid); err != nil && !errors.Is(err, unix.ESRCH) {
		t.log.Debug("releasing child", zap.Int("pid", p.pid), zap.Error(err))
	}
	delete(t.threads, th.tid)
	delete(t.procs, p.pid)
}

func (t *Tracer) onExec(th *thread, oldTid int) {
	p := th.proc
	if old, ok := t.threads[oldTid]; ok && oldTid != th.tid {
		// A non-leader thread called execve and took over the leader's id.
		th.inSyscall, th.nr, th.args = old.inSyscall, old.nr, old.args
	}
	for tid, other := range t.threads {
		if other.proc == p && tid != th.tid {
			delete(t.threads, tid)
		}
	}
	th.returns = nil
	th.attachedEarly = false

	// The old image and its breakpoints are gone.
	p.breakpoints = make(map[uint64]*breakpoint)
	p.resolved = make(map[*symbolHook]bool)
	p.rearm = nil
	p.shares = nil
	p.resolver.Forget()
	if exe, err := os.Readlink("/proc/" + strconv.Itoa(p.pid) + "/exe"); err == nil {
		t.log.Debug("exec", zap.Int("pid", p.pid), zap.String("exe", exe))
	}
	t.resolvePending(p, th.tid)
}

// onExecTrap handles the SIGTRAP the kernel sends after a successful execve
// to tracees without PTRACE_O_TRACEEXEC. That happens when attach races an
// exec in flight; the trap comes with SI_USER from the tracee itself.
func (t *Tracer) onExecTrap(th *thread) bool {
	if !th.attachedEarly {
		return false
	}
	si, err := getSiginfo(th.tid)
	if err != nil || si.Code != siUser || int(si.Pid) != th.proc.pid {
		return false
	}
	t.log.Debug("exec trap during attach", zap.Int("tid", th.tid))
	t.onExec(th, th.tid)
	return true
}

func (t *Tracer) onBreakpoint(th *thread) bool {
	var regs registers
	if err := getRegs(th.tid, &regs); err != nil {
		return false
	}
	addr := breakpointAddr(pc(&regs))
	bp, ok := th.proc.breakpoints[addr]
	if !ok {
		return false
	}

	if r, ok := t.popReturn(th, bp, stackPointer(&regs)); ok {
		ret := returnValue(&regs)
		for _, sh := range r.hooks {
			t.invoke(sh.symbol, sh.hook.Leave, t.call(th, sh.symbol, r.args, ret))
		}
	}
	if len(bp.hooks) > 0 {
		bp.hits++
		t.hits.Add(1)
		args := callArgs(&regs)
		for _, sh := range bp.hooks {
			t.invoke(sh.symbol, sh.hook.Enter, t.call(th, sh.symbol, args, 0))
		}
		t.expectReturn(th, &regs, bp, args)
	}

	setPC(&regs, addr)
	if err := setRegs(th.tid, &regs); err != nil {
		t.log.Debug("rewinding program counter", zap.Int("tid", th.tid), zap.Error(err))
		return true
	}
	if bp.unused() {
		t.remove(th, bp)
		return true
	}
	if err := t.stepOver(th, bp); err != nil {
		t.log.Debug("stepping over breakpoint", zap.Int("tid", th.tid), zap.String("addr", fmt.Sprintf("%#x", bp.addr)), zap.Error(err))
	}
	return true
}

// expectReturn traps the return address of the call th just entered at
// entry, for the hooks that observe returns.
func (t *Tracer) expectReturn(th *thread, regs *registers, entry *breakpoint, args [6]uint64) {
	var hooks []*symbolHook
	for _, sh := range entry.hooks {
		if wantsLeave(sh.hook) {
			hooks = append(hooks, sh)
		}
	}
	if len(hooks) == 0 {
		return
	}
	ret, err := returnAddr(memory{pid: th.proc.pid, tid: th.tid}, regs)
	if err != nil {
		t.log.Debug("reading return address", zap.Int("tid", th.tid), zap.Error(err))
		return
	}
	p := th.proc
	bp, ok := p.breakpoints[ret]
	if !ok {
		if bp, err = insertBreakpoint(th.tid, ret); err != nil {
			t.log.Debug("trapping return", zap.Int("tid", th.tid), zap.Error(err))
			return
		}
		p.breakpoints[ret] = bp
	}
	bp.returns++
	th.returns = append(th.returns, pendingReturn{bp: bp, sp: returnSP(regs), hooks: hooks, args: args})
}

// popReturn finds the call of th returning through bp with the stack pointer
// sp. Calls deeper than it were left without returning (longjmp) and are
// dropped.
func (t *Tracer) popReturn(th *thread, bp *breakpoint, sp uint64) (pendingReturn, bool) {
	for i := len(th.returns) - 1; i >= 0; i-- {
		r := th.returns[i]
		if r.bp != bp || r.sp != sp {
			continue
		}
		for _, gone := range th.returns[i+1:] {
			gone.bp.returns--
			if gone.bp.unused() {
				t.remove(th, gone.bp)
			}
		}
		th.returns = th.returns[:i]
		bp.returns--
		return r, true
	}
	return pendingReturn{}, false
}

// remove restores the original instruction of a breakpoint nothing waits at.
func (t *Tracer) remove(th *thread, bp *breakpoint) {
	if err := bp.disarm(th.tid); err != nil {
		t.log.Debug("removing breakpoint", zap.Int("tid", th.tid), zap.Error(err))
		return
	}
	delete(th.proc.breakpoints, bp.addr)
}

// stepOver executes the original instruction under the breakpoint and plants
// the trap again. Other threads passing the address meanwhile are not seen.
func (t *Tracer) stepOver(th *thread, bp *breakpoint) error {
	if err := bp.disarm(th.tid); err != nil {
		return err
	}
	for {
		if err := unix.PtraceSingleStep(th.tid); err != nil {
			th.proc.rearm = append(th.proc.rearm, bp)
			return err
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(th.tid, &ws, unix.WALL, nil); err != nil {
			th.proc.rearm = append(th.proc.rearm, bp)
			return err
		}
		if ws.Exited() || ws.Signaled() {
			th.proc.rearm = append(th.proc.rearm, bp)
			t.reap(th, ws)
			return nil
		}
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() == unix.SIGTRAP {
			break
		}
		// A signal arrived before the instruction ran; deliver it later.
		if sig := ws.StopSignal(); sig != unix.SIGSTOP || !t.woken.CompareAndSwap(int64(th.tid), 0) {
			th.sig = int(sig)
		}
	}
	return bp.arm(th.tid)
}

func (t *Tracer) rearm(th *thread) {
	p := th.proc
	if len(p.rearm) == 0 {
		return
	}
	pending := p.rearm
	p.rearm = nil
	for _, bp := range pending {
		if p.breakpoints[bp.addr] != bp {
			continue
		}
		if err := bp.arm(th.tid); err != nil {
			p.rearm = append(p.rearm, bp)
		}
	}
}

// resolvePending plants breakpoints for symbol hooks not yet found in p.
// tid must be a stopped thread of p.
func (t *Tracer) resolvePending(p *process, tid int) {
	var maps []proc.Mapping
	loaded := false
	for _, sh := range t.symbolHooks {
		if p.resolved[sh] {
			continue
		}
		if !loaded {
			var err error
			if maps, err = proc.Mappings(p.pid); err != nil {
				t.log.Debug("reading mappings", zap.Int("pid", p.pid), zap.Error(err))
				return
			}
			loaded = true
		}
		a, err := p.resolver.Resolve(maps, sh.module, sh.symbol)
		if err != nil {
			// Not loaded yet; retried on the next executable mapping.
			continue
		}
		p.resolved[sh] = true

		bp, ok := p.breakpoints[a.Addr]
		if !ok {
			if bp, err = insertBreakpoint(tid, a.Addr); err != nil {
				t.log.Warn("cannot intercept", zap.String("symbol", sh.symbol), zap.String("module", a.Module), zap.Error(err))
				continue
			}
			p.breakpoints[a.Addr] = bp
		}
		bp.hooks = append(bp.hooks, sh)
		t.interceptions = append(t.interceptions, Interception{Pid: p.pid, Symbol: sh.symbol, Module: a.Module, Addr: a.Addr})
		t.log.Info("intercepting",
			zap.Int("pid", p.pid),
			zap.String("symbol", sh.symbol),
			zap.String("module", a.Module),
			zap.String("addr", fmt.Sprintf("%#x", a.Addr)))
	}
}

func (t *Tracer) stop() error {
	if t.launched {
		for pid := range t.procs {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		t.drain()
		return nil
	}
	return t.detachAll()
}

// drain reaps every remaining tracee after they were killed.
func (t *Tracer) drain() {
	for len(t.threads) > 0 {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err != nil {
			return
		}
		if th, ok := t.threads[tid]; ok && (ws.Exited() || ws.Signaled()) {
			t.reap(th, ws)
		} else if ws.Stopped() {
			_ = unix.PtraceCont(tid, 0)
		}
	}
}

// detachAll stops every traced thread, removes all breakpoints and releases
// the tracees. A SIGSTOP that was queued but not consumed is undone with
// SIGCONT.
func (t *Tracer) detachAll() error {
	for _, th := range t.threads {
		_ = unix.Tgkill(th.proc.pid, th.tid, unix.SIGSTOP)
	}
	for _, th := range t.threads {
		t.waitStopped(th)
	}

	var errs []error
	for _, p := range t.procs {
		tid, ok := t.anyThread(p)
		if !ok {
			continue
		}
		for _, bp := range p.breakpoints {
			if err := bp.disarm(tid); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for tid := range t.threads {
		_ = unix.PtraceDetach(tid)
	}
	for tid := range t.early {
		_ = unix.PtraceDetach(tid)
	}
	for pid := range t.procs {
		_ = unix.Kill(pid, unix.SIGCONT)
	}
	t.log.Info("detached", zap.Int("pid", t.root), zap.Int("threads", len(t.threads)))
	t.threads = make(map[int]*thread)
	t.early = make(map[int]unix.WaitStatus)
	return errors.Join(errs...)
}

func (t *Tracer) waitStopped(th *thread) {
	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(th.tid, &ws, unix.WALL, nil); err != nil {
			delete(t.threads, th.tid)
			return
		}
		if ws.Exited() || ws.Signaled() {
			delete(t.threads, th.tid)
			return
		}
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() == unix.SIGTRAP {
			// Caught at one of our breakpoints: rewind so the original
			// instruction runs once it is restored.
			var regs registers
			if getRegs(th.tid, &regs) == nil {
				if addr := breakpointAddr(pc(&regs)); th.proc.breakpoints[addr] != nil {
					setPC(&regs, addr)
					_ = setRegs(th.tid, &regs)
				}
			}
		}
		return
	}
}

func (t *Tracer) anyThread(p *process) (int, bool) {
	for tid, th := range t.threads {
		if th.proc == p {
			return tid, true
		}
	}
	return 0, false
}
