//go:build linux

// Package locator registers the hooks that reveal where a program keeps its
// databases: file-existence checks, directory listings, SQLite open and
// prepare calls, and plain opens of SQLite files.
package locator

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kaczmarj/dblocate/internal/config"
	"github.com/kaczmarj/dblocate/internal/engine"
)

// DefaultPattern matches database files and the files SQLite keeps next to
// them.
const DefaultPattern = config.DefaultPattern

// ErrUnsupported is returned for syscalls or symbols the locator has no
// hook for.
var ErrUnsupported = errors.New("no hook available")

// Kind classifies an Event.
type Kind string

const (
	KindFileCheck Kind = "file-check"
	KindDirectory Kind = "directory"
	KindSQLite    Kind = "sqlite"
	KindQuery     Kind = "query"
	KindCoreData  Kind = "coredata"
)

// Event is one observation.
type Event struct {
	Time  time.Time `json:"time"`
	Kind  Kind      `json:"kind"`
	Pid   int       `json:"pid"`
	Point string    `json:"point"`
	// Path is absolute when it could be resolved against the traced
	// process, and as passed otherwise.
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`
	Exists bool   `json:"exists"`
	// Database is set when Path names a database file.
	Database bool `json:"database"`
}

// Registrar is the part of the tracer the locator registers hooks with.
type Registrar interface {
	AddSyscallHook(name string, h engine.Hook) error
	AddSymbolHook(module, symbol string, h engine.Hook)
}

// Options select the hooks a Locator installs.
type Options struct {
	Logger   *zap.Logger
	Pattern  *regexp.Regexp
	Syscalls []string
	Symbols  []string
	// Dirs logs directory listings.
	Dirs bool
}

// DefaultSyscalls are hooked when Options.Syscalls is empty. Some of them
// only exist on amd64.
var DefaultSyscalls = []string{
	"access", "faccessat", "faccessat2",
	"stat", "lstat", "newfstatat", "statx",
	"open", "openat", "openat2",
	"getdents64",
}

// DefaultSymbols are hooked when Options.Symbols is empty.
var DefaultSymbols = config.DefaultSymbols

type dirKey struct{ pid, fd int }

// Locator turns hook hits into Events. Its hooks are called from the tracer
// goroutine only.
type Locator struct {
	opts Options
	log  *zap.Logger
	out  chan<- Event

	listed  map[dirKey]bool
	handles *handles
}

// New returns a Locator sending events to out.
func New(opts Options, out chan<- Event) *Locator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pattern == nil {
		opts.Pattern = regexp.MustCompile(DefaultPattern)
	}
	if len(opts.Syscalls) == 0 {
		opts.Syscalls = DefaultSyscalls
	}
	if len(opts.Symbols) == 0 {
		opts.Symbols = DefaultSymbols
	}
	return &Locator{
		opts:    opts,
		log:     opts.Logger.Named("locator"),
		out:     out,
		listed:  make(map[dirKey]bool),
		handles: newHandles(),
	}
}

// Register installs the configured hooks on r. Syscalls missing on the
// running architecture are skipped; names the locator has no hook for are
// an error.
func (l *Locator) Register(r Registrar) error {
	names := l.opts.Syscalls[:len(l.opts.Syscalls):len(l.opts.Syscalls)]
	var extra []string
	if l.opts.Dirs && (contains(names, "getdents64") || contains(names, "getdents")) {
		// Listings are reported once per open directory.
		extra = append(extra, "close", "close_range")
	}
	// What is known about a process ends with its image.
	extra = append(extra, "execve", "execveat")
	for _, name := range extra {
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	for _, name := range names {
		h, err := l.syscallHook(name)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		if err := r.AddSyscallHook(name, h); err != nil {
			if errors.Is(err, engine.ErrUnknownSyscall) {
				l.log.Debug("syscall not available", zap.String("syscall", name))
				continue
			}
			return err
		}
	}
	for _, name := range l.opts.Symbols {
		h, err := l.symbolHook(name)
		if err != nil {
			return err
		}
		r.AddSymbolHook("", name, h)
	}
	return nil
}

func (l *Locator) syscallHook(name string) (engine.Hook, error) {
	if a, ok := existenceChecks[name]; ok {
		return engine.HookFuncs{OnLeave: func(c *engine.Call) error { return l.fileCheck(c, a) }}, nil
	}
	if a, ok := opens[name]; ok {
		return engine.HookFuncs{OnLeave: func(c *engine.Call) error { return l.open(c, a) }}, nil
	}
	switch name {
	case "getdents64", "getdents":
		if !l.opts.Dirs {
			return nil, nil
		}
		return engine.HookFuncs{OnEnter: l.listDir}, nil
	case "close":
		return engine.HookFuncs{OnEnter: l.closeFD}, nil
	case "close_range":
		return engine.HookFuncs{OnEnter: l.closeRange}, nil
	case "execve", "execveat":
		return engine.HookFuncs{OnLeave: l.exec}, nil
	}
	return nil, fmt.Errorf("syscall %s: %w", name, ErrUnsupported)
}

func (l *Locator) symbolHook(name string) (engine.Hook, error) {
	switch name {
	case "sqlite3_open", "sqlite3_open_v2":
		return engine.HookFuncs{
			OnEnter: func(c *engine.Call) error { return l.sqliteOpen(c, false) },
			OnLeave: l.sqliteOpened,
		}, nil
	case "sqlite3_open16":
		return engine.HookFuncs{
			OnEnter: func(c *engine.Call) error { return l.sqliteOpen(c, true) },
			OnLeave: l.sqliteOpened,
		}, nil
	case "sqlite3_prepare", "sqlite3_prepare_v2", "sqlite3_prepare_v3":
		return engine.HookFuncs{OnEnter: l.sqlitePrepare}, nil
	}
	return nil, fmt.Errorf("symbol %s: %w", name, ErrUnsupported)
}

func (l *Locator) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.out <- e
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (l *Locator) matches(path string) bool {
	return l.opts.Pattern.MatchString(path)
}

// pathArg tells where a syscall keeps its path. dirfd is -1 for syscalls
// resolved against the working directory.
type pathArg struct {
	dirfd int
	path  int
}

var existenceChecks = map[string]pathArg{
	"access":     {-1, 0},
	"stat":       {-1, 0},
	"lstat":      {-1, 0},
	"faccessat":  {0, 1},
	"faccessat2": {0, 1},
	"newfstatat": {0, 1},
	"statx":      {0, 1},
}

var opens = map[string]pathArg{
	"open":    {-1, 0},
	"creat":   {-1, 0},
	"openat":  {0, 1},
	"openat2": {0, 1},
}

// pathOf reads and resolves the path argument of a syscall.
func pathOf(c *engine.Call, a pathArg) (string, error) {
	p, err := c.Proc.ReadCString(c.Args[a.path])
	if err != nil {
		return "", fmt.Errorf("reading path of %s: %w", c.Point, err)
	}
	dirfd := unix.AT_FDCWD
	if a.dirfd >= 0 {
		dirfd = c.Int(a.dirfd)
	}
	if abs, err := c.Proc.ResolveAt(dirfd, p); err == nil {
		p = abs
	}
	return p, nil
}

func (l *Locator) fileCheck(c *engine.Call, a pathArg) error {
	p, err := pathOf(c, a)
	if err != nil {
		return err
	}
	if !l.matches(p) {
		return nil
	}
	l.emit(Event{
		Kind:     KindFileCheck,
		Pid:      c.Pid,
		Point:    c.Point,
		Path:     p,
		Exists:   !c.Failed(),
		Database: true,
	})
	return nil
}

func (l *Locator) listDir(c *engine.Call) error {
	key := dirKey{c.Pid, c.Int(0)}
	if l.listed[key] {
		return nil
	}
	l.listed[key] = true
	p, err := c.Proc.FDPath(key.fd)
	if err != nil {
		return fmt.Errorf("resolving directory fd %d: %w", key.fd, err)
	}
	l.emit(Event{Kind: KindDirectory, Pid: c.Pid, Point: c.Point, Path: p, Exists: true})
	return nil
}

func (l *Locator) closeFD(c *engine.Call) error {
	delete(l.listed, dirKey{c.Pid, c.Int(0)})
	return nil
}

// CLOSE_RANGE_CLOEXEC only marks the range close-on-exec.
const closeRangeCloexec = 1 << 2

func (l *Locator) closeRange(c *engine.Call) error {
	if c.Args[2]&closeRangeCloexec != 0 {
		return nil
	}
	first, last := uint32(c.Args[0]), uint32(c.Args[1])
	for key := range l.listed {
		if key.pid == c.Pid && uint32(key.fd) >= first && uint32(key.fd) <= last {
			delete(l.listed, key)
		}
	}
	return nil
}

// exec forgets the directories and connections of a process after a
// successful execve; close-on-exec descriptors are gone.
func (l *Locator) exec(c *engine.Call) error {
	if c.Failed() {
		return nil
	}
	for key := range l.listed {
		if key.pid == c.Pid {
			delete(l.listed, key)
		}
	}
	l.handles.forget(c.Pid)
	return nil
}
