//go:build linux

// Package proc reads the parts of /proc/PID the tracer needs: threads,
// memory mappings, the working directory and file descriptor targets.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Mapping is one file-backed line of /proc/PID/maps.
//
// Permission to access this file is governed by a ptrace access mode
// PTRACE_MODE_READ_FSCREDS check; see ptrace(2).
//
//	address           perms offset  dev   inode       pathname
//	00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
//	00651000-00652000 r--p 00051000 08:02 173521      /usr/bin/dbus-daemon
type Mapping struct {
	Start    uint64
	End      uint64
	Offset   uint64
	Inode    uint64
	Exec     bool
	Pathname string
}

// Contains reports whether the file offset off is mapped by m.
func (m Mapping) Contains(off uint64) bool {
	return off >= m.Offset && off < m.Offset+(m.End-m.Start)
}

func open(pid int) (procfs.Proc, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return procfs.Proc{}, fmt.Errorf("opening procfs: %w", err)
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return procfs.Proc{}, fmt.Errorf("opening /proc/%d: %w", pid, err)
	}
	return p, nil
}

// Threads returns the ids of every thread in the thread group of pid.
func Threads(pid int) ([]int, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	threads, err := fs.AllThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("listing threads of %d: %w", pid, err)
	}
	tids := make([]int, 0, len(threads))
	for _, t := range threads {
		tids = append(tids, t.PID)
	}
	return tids, nil
}

// Mappings returns the file-backed mappings of pid. Anonymous mappings and
// pseudo paths like [heap] or [vdso] are skipped.
func Mappings(pid int) ([]Mapping, error) {
	p, err := open(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading /proc/%d/maps: %w", pid, err)
	}
	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		if m.Inode == 0 || !filepath.IsAbs(m.Pathname) {
			continue
		}
		out = append(out, Mapping{
			Start:    uint64(m.StartAddr),
			End:      uint64(m.EndAddr),
			Offset:   uint64(m.Offset),
			Inode:    m.Inode,
			Exec:     m.Perms != nil && m.Perms.Execute,
			Pathname: m.Pathname,
		})
	}
	return out, nil
}

// Cwd returns the working directory of pid.
func Cwd(pid int) (string, error) {
	p, err := open(pid)
	if err != nil {
		return "", err
	}
	return p.Cwd()
}

// FDLink is the /proc/PID/fd/FD magic link. Opening it opens the same file
// as the descriptor, at offset zero.
func FDLink(pid, fd int) string {
	return filepath.Join("/proc", strconv.Itoa(pid), "fd", strconv.Itoa(fd))
}

// FDPath returns the target of /proc/PID/fd/FD.
func FDPath(pid, fd int) (string, error) {
	return os.Readlink(FDLink(pid, fd))
}

// ResolveAt turns the path argument of a *at syscall into an absolute path.
// dirfd is AT_FDCWD or a descriptor open in pid.
func ResolveAt(pid, dirfd int, path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return path, nil
	}
	var base string
	var err error
	if dirfd == unix.AT_FDCWD {
		base, err = Cwd(pid)
	} else {
		base, err = FDPath(pid, dirfd)
	}
	if err != nil {
		return path, err
	}
	return filepath.Join(base, path), nil
}

// Tgid returns the thread group id of tid.
func Tgid(tid int) (int, error) {
	p, err := open(tid)
	if err != nil {
		return 0, err
	}
	st, err := p.NewStatus()
	if err != nil {
		return 0, fmt.Errorf("reading /proc/%d/status: %w", tid, err)
	}
	return int(st.TGID), nil
}
