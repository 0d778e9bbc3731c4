//go:build linux

package engine

// Process gives hooks access to the traced process that hit an
// interception point.
type Process interface {
	Read(addr uint64, n int) ([]byte, error)
	ReadCString(addr uint64) (string, error)
	ReadUTF16String(addr uint64) (string, error)
	FDPath(fd int) (string, error)
	ResolveAt(dirfd int, path string) (string, error)
}

// Call describes one hit of an interception point. Args are the entry
// arguments in both Enter and Leave; Ret is only meaningful in Leave, where it
// holds the syscall result or the function's return value.
type Call struct {
	Pid   int
	Tid   int
	Point string
	Args  [6]uint64
	Ret   int64
	Proc  Process
}

// Int returns argument i as a C int, the way the kernel truncates it.
func (c *Call) Int(i int) int { return int(int32(c.Args[i])) }

// Failed reports whether a syscall returned an errno.
func (c *Call) Failed() bool { return c.Ret < 0 && c.Ret > -4096 }

// Hook observes an interception point. For symbol points Leave runs when the
// call returns to its caller.
type Hook interface {
	Enter(c *Call) error
	Leave(c *Call) error
}

// HookFuncs adapts plain functions to Hook. Nil functions are skipped.
type HookFuncs struct {
	OnEnter func(c *Call) error
	OnLeave func(c *Call) error
}

func (h HookFuncs) Enter(c *Call) error {
	if h.OnEnter == nil {
		return nil
	}
	return h.OnEnter(c)
}

func (h HookFuncs) Leave(c *Call) error {
	if h.OnLeave == nil {
		return nil
	}
	return h.OnLeave(c)
}

// wantsLeave reports whether h observes returns. Symbol points only trap the
// return address for hooks that do.
func wantsLeave(h Hook) bool {
	if f, ok := h.(HookFuncs); ok {
		return f.OnLeave != nil
	}
	return true
}
