//go:build linux

package locator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kaczmarj/dblocate/internal/engine"
	"github.com/kaczmarj/dblocate/internal/inspect"
	"github.com/kaczmarj/dblocate/internal/proc"
)

// SQLite open flags, from sqlite3.h.
var openFlags = []struct {
	bit  uint64
	name string
}{
	{0x00000001, "READONLY"},
	{0x00000002, "READWRITE"},
	{0x00000004, "CREATE"},
	{0x00000040, "URI"},
	{0x00000080, "MEMORY"},
	{0x00008000, "NOMUTEX"},
	{0x00010000, "FULLMUTEX"},
	{0x00020000, "SHAREDCACHE"},
	{0x00040000, "PRIVATECACHE"},
	{0x01000000, "NOFOLLOW"},
	{0x02000000, "EXRESCODE"},
}

// DecodeOpenFlags renders the flags argument of sqlite3_open_v2.
func DecodeOpenFlags(flags uint64) string {
	var names []string
	for _, f := range openFlags {
		if flags&f.bit != 0 {
			names = append(names, f.name)
			flags &^= f.bit
		}
	}
	if flags != 0 {
		names = append(names, fmt.Sprintf("%#x", flags))
	}
	return strings.Join(names, "|")
}

// databaseName turns a sqlite3_open filename into a file path. ok is false
// for in-memory and temporary databases.
func databaseName(name string) (path string, ok bool) {
	if name == "" || name == ":memory:" {
		return "", false
	}
	if !strings.HasPrefix(name, "file:") {
		return name, true
	}
	u, err := url.Parse(name)
	if err != nil {
		return strings.TrimPrefix(name, "file:"), true
	}
	if u.Query().Get("mode") == "memory" {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" || p == ":memory:" {
		return "", false
	}
	return p, true
}

func (l *Locator) sqliteOpen(c *engine.Call, wide bool) error {
	// Every entry is paired with the Leave of the same call.
	l.handles.begin(c.Tid, c.Args[1])

	var name string
	var err error
	if wide {
		name, err = c.Proc.ReadUTF16String(c.Args[0])
	} else {
		name, err = c.Proc.ReadCString(c.Args[0])
	}
	if err != nil {
		return fmt.Errorf("reading filename: %w", err)
	}

	e := Event{Kind: KindSQLite, Pid: c.Pid, Point: c.Point, Path: name}
	if c.Point == "sqlite3_open_v2" {
		e.Detail = DecodeOpenFlags(c.Args[2])
	}
	if p, ok := databaseName(name); ok {
		if abs, err := c.Proc.ResolveAt(unix.AT_FDCWD, p); err == nil {
			p = abs
		}
		e.Path = p
		e.Database = true
		e.Exists = true
		l.handles.name(c.Tid, p)
	} else if e.Detail == "" {
		e.Detail = "in-memory"
	}
	l.emit(e)
	return nil
}

// sqliteOpened learns the connection an open call returned.
func (l *Locator) sqliteOpened(c *engine.Call) error {
	return l.handles.finish(c.Proc, c.Pid, c.Tid)
}

func (l *Locator) sqlitePrepare(c *engine.Call) error {
	var sql string
	n := c.Int(2)
	if n < 0 {
		s, err := c.Proc.ReadCString(c.Args[1])
		if err != nil {
			return fmt.Errorf("reading statement: %w", err)
		}
		sql = s
	} else {
		if n > engine.MaxString {
			n = engine.MaxString
		}
		b, err := c.Proc.Read(c.Args[1], n)
		if err != nil {
			return fmt.Errorf("reading statement: %w", err)
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		sql = string(b)
	}

	p := l.handles.lookup(c.Pid, c.Args[0])
	l.emit(Event{
		Kind:     KindQuery,
		Pid:      c.Pid,
		Point:    c.Point,
		Path:     p,
		Detail:   strings.Join(strings.Fields(sql), " "),
		Exists:   p != "",
		Database: p != "",
	})
	return nil
}

// open is the fallback for programs with SQLite linked in statically: a
// successful open of a file named like a database, or starting with the
// SQLite header, counts as opening a database.
func (l *Locator) open(c *engine.Call, a pathArg) error {
	if c.Failed() {
		return nil
	}
	flags, err := openFlagsOf(c)
	if err != nil {
		return err
	}
	if flags&(unix.O_DIRECTORY|unix.O_PATH) != 0 {
		return nil
	}
	p, err := pathOf(c, a)
	if err != nil {
		return err
	}

	detail := ""
	switch {
	case l.matches(p):
	case pseudoFS(p):
		return nil
	default:
		ok, err := inspect.IsSQLite(proc.FDLink(c.Pid, int(c.Ret)))
		if err != nil {
			l.log.Debug("sniffing file", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}
		detail = "header"
	}
	l.emit(Event{
		Kind:     KindSQLite,
		Pid:      c.Pid,
		Point:    c.Point,
		Path:     p,
		Detail:   detail,
		Exists:   true,
		Database: true,
	})
	return nil
}

func openFlagsOf(c *engine.Call) (uint64, error) {
	switch c.Point {
	case "open":
		return c.Args[1], nil
	case "creat":
		return unix.O_CREAT | unix.O_WRONLY | unix.O_TRUNC, nil
	case "openat2":
		// struct open_how starts with the u64 flags.
		b, err := c.Proc.Read(c.Args[2], 8)
		if err != nil || len(b) < 8 {
			return 0, fmt.Errorf("reading open_how: %w", err)
		}
		return binary.LittleEndian.Uint64(b), nil
	}
	return c.Args[2], nil
}

func pseudoFS(p string) bool {
	for _, prefix := range []string{"/proc/", "/sys/", "/dev/"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// maxOpening bounds the open calls in flight remembered per thread.
const maxOpening = 8

// handles maps sqlite3 connection pointers back to the file they were opened
// on. sqlite3_open only fills *ppDb right before it returns, so the
// out-pointer seen on entry is read when the call returns.
type handles struct {
	opening map[int][]opening
	known   map[int]map[uint64]string
}

type opening struct {
	ppDb uint64
	path string
}

func newHandles() *handles {
	return &handles{
		opening: make(map[int][]opening),
		known:   make(map[int]map[uint64]string),
	}
}

func (h *handles) begin(tid int, ppDb uint64) {
	stack := h.opening[tid]
	if len(stack) >= maxOpening {
		stack = stack[1:]
	}
	h.opening[tid] = append(stack, opening{ppDb: ppDb})
}

// name sets the file of the innermost open call of tid.
func (h *handles) name(tid int, path string) {
	if stack := h.opening[tid]; len(stack) > 0 {
		stack[len(stack)-1].path = path
	}
}

type reader interface {
	Read(addr uint64, n int) ([]byte, error)
}

func (h *handles) finish(mem reader, pid, tid int) error {
	stack := h.opening[tid]
	if len(stack) == 0 {
		return nil
	}
	o := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(h.opening, tid)
	} else {
		h.opening[tid] = stack[:len(stack)-1]
	}
	if o.path == "" || o.ppDb == 0 {
		return nil
	}
	b, err := mem.Read(o.ppDb, 8)
	if err != nil {
		return fmt.Errorf("reading connection of %s: %w", o.path, err)
	}
	if len(b) < 8 {
		return nil
	}
	db := binary.LittleEndian.Uint64(b)
	if db == 0 {
		return nil
	}
	if h.known[pid] == nil {
		h.known[pid] = make(map[uint64]string)
	}
	h.known[pid][db] = o.path
	return nil
}

func (h *handles) lookup(pid int, db uint64) string {
	return h.known[pid][db]
}

// forget drops the connections of a process whose image was replaced.
func (h *handles) forget(pid int) {
	delete(h.known, pid)
}
