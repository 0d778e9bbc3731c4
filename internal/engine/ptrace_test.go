//go:build linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// ptraceTests skips tests that trace real processes unless
// DBLOCATE_PTRACE_TESTS=1. They need ptrace permission, which containers
// often deny.
func ptraceTests(t *testing.T) {
	t.Helper()
	if os.Getenv("DBLOCATE_PTRACE_TESTS") != "1" {
		t.Skip("set DBLOCATE_PTRACE_TESTS=1 to run tracing tests")
	}
}

func TestSyscallCounts(t *testing.T) {
	tr := New(Options{})
	tr.counts[unix.SYS_OPENAT] = 3
	tr.counts[unix.SYS_CLOSE] = 1
	counts := tr.SyscallCounts()
	assert.Equal(t, uint64(3), counts["openat"])
	assert.Equal(t, uint64(1), counts["close"])
}

func TestLaunchExitCode(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: true})
	var status []int
	require.NoError(t, tr.AddSyscallHook("exit_group", HookFuncs{
		OnEnter: func(c *Call) error {
			status = append(status, c.Int(0))
			return nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Launch(ctx, []string{"/bin/sh", "-c", "exit 3"}))

	assert.Equal(t, 3, tr.ExitCode())
	assert.Contains(t, status, 3)
	assert.Positive(t, tr.Stats().Syscalls)
	assert.Positive(t, tr.SyscallCounts()["exit_group"])
}

func TestLaunchReadsPaths(t *testing.T) {
	ptraceTests(t)

	dir := t.TempDir()
	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: true})
	var seen []string
	require.NoError(t, tr.AddSyscallHook("openat", HookFuncs{
		OnLeave: func(c *Call) error {
			p, err := c.Proc.ReadCString(c.Args[1])
			if err != nil {
				return err
			}
			if p, err = c.Proc.ResolveAt(c.Int(0), p); err != nil {
				return err
			}
			seen = append(seen, p)
			return nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Launch(ctx, []string{"/bin/ls", dir}))
	assert.Contains(t, seen, dir)
	assert.Zero(t, tr.Stats().HookErrors)
}

func TestAttachDetach(t *testing.T) {
	ptraceTests(t)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()
	// Attach once the child runs sleep, not while it is still in execve.
	comm := "/proc/" + strconv.Itoa(cmd.Process.Pid) + "/comm"
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(comm)
		return err == nil && strings.TrimSpace(string(b)) == "sleep"
	}, 5*time.Second, 5*time.Millisecond)

	tr := New(Options{Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, tr.Attach(ctx, cmd.Process.Pid))

	// Still running after we let go of it.
	assert.NoError(t, cmd.Process.Signal(syscall.Signal(0)))
	assert.EqualValues(t, 1, tr.Stats().Processes)
}

func TestCancelWakesBlockedLoop(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	// sleep makes no syscalls for a long time; only the wake-up ends the wait.
	require.NoError(t, tr.Launch(ctx, []string{"sleep", "30"}))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSyscallHeavyProgramIsFast(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: true})
	require.NoError(t, tr.AddSyscallHook("openat", HookFuncs{}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, tr.Launch(ctx, []string{"/bin/sh", "-c", "i=0; while [ $i -lt 200 ]; do i=$((i+1)); : > /dev/null; done"}))
	assert.Zero(t, tr.ExitCode())
	// A few hundred stops used to cost 5ms each.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSymbolBreakpointHit(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: true})
	var codes []int
	tr.AddSymbolHook("libc", "exit", HookFuncs{
		OnEnter: func(c *Call) error {
			codes = append(codes, c.Int(0))
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Launch(ctx, []string{"/bin/true"}))

	assert.Zero(t, tr.ExitCode())
	assert.Equal(t, []int{0}, codes)
	assert.EqualValues(t, 1, tr.Stats().BreakpointHits)
	assert.Empty(t, tr.Unresolved())
	require.NotEmpty(t, tr.Interceptions())
	assert.Equal(t, "exit", tr.Interceptions()[0].Symbol)
	assert.Zero(t, tr.Stats().HookErrors)
}

func TestSymbolLeaveSeesReturnValue(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: true})
	var entered, left []Call
	var locale string
	tr.AddSymbolHook("libc", "setlocale", HookFuncs{
		OnEnter: func(c *Call) error {
			entered = append(entered, *c)
			return nil
		},
		OnLeave: func(c *Call) error {
			left = append(left, *c)
			if c.Ret != 0 && locale == "" {
				s, err := c.Proc.ReadCString(uint64(c.Ret))
				locale = s
				return err
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// true only sets up its locale when asked for --version or --help.
	require.NoError(t, tr.Launch(ctx, []string{"/bin/true", "--version"}))

	require.NotEmpty(t, entered)
	require.Len(t, left, len(entered))
	assert.Equal(t, entered[0].Args, left[0].Args)
	assert.NotEmpty(t, locale)
	assert.Zero(t, tr.Stats().HookErrors)
}

func TestUnfollowedChildIsReleased(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: false})
	var pids []int
	tr.AddSymbolHook("libc", "exit", HookFuncs{
		OnEnter: func(c *Call) error {
			pids = append(pids, c.Pid)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The subshell is a fork that exits without exec, through the inherited
	// breakpoint if it were still planted.
	require.NoError(t, tr.Launch(ctx, []string{"/bin/sh", "-c", "(exit 7); exit $?"}))

	assert.Equal(t, 7, tr.ExitCode())
	assert.EqualValues(t, 2, tr.Stats().Processes)
	for _, pid := range pids {
		assert.Equal(t, tr.root, pid)
	}
}

func TestExecResolvesAgain(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t), FollowForks: true})
	hits := 0
	tr.AddSymbolHook("libc", "exit", HookFuncs{
		OnEnter: func(*Call) error {
			hits++
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Launch(ctx, []string{"/bin/sh", "-c", "exec /bin/true"}))

	var planted int
	for _, in := range tr.Interceptions() {
		if in.Symbol == "exit" && in.Pid == tr.root {
			planted++
		}
	}
	// Once in the shell and once more in the image it turned into.
	assert.Equal(t, 2, planted)
	assert.Equal(t, 1, hits)
	assert.Zero(t, tr.ExitCode())
}

func TestSelfSentTrapIsDelivered(t *testing.T) {
	ptraceTests(t)

	tr := New(Options{Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Launch(ctx, []string{"/bin/sh", "-c", "kill -TRAP $$"}))
	assert.Equal(t, 128+int(syscall.SIGTRAP), tr.ExitCode())
}
