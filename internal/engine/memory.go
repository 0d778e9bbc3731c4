//go:build linux

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf16"

	"golang.org/x/sys/unix"

	"github.com/kaczmarj/dblocate/internal/proc"
)

const (
	pageSize = 4096
	// MaxString bounds every string read from tracee memory.
	MaxString = unix.PathMax * 4
)

var errNullPointer = errors.New("null pointer")

// memory reads the address space of a traced process. Reads go through
// process_vm_readv and fall back to PTRACE_PEEKDATA on the stopped thread.
type memory struct {
	pid int
	tid int
}

// Read copies up to n bytes at addr. When the range runs into memory that
// cannot be read, the bytes before it are returned; it fails only when not
// even the first byte can be read.
func (m memory) Read(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		return nil, errNullPointer
	}
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if got, err := m.readv(addr, buf); err == nil && got == n {
		return buf, nil
	}

	// Page by page, so that an unmapped page only cuts the read short.
	var got int
	var err error
	for got < n {
		c := chunk(addr+uint64(got), n-got)
		var k int
		k, err = m.readPage(addr+uint64(got), buf[got:got+c])
		got += k
		if err != nil || k < c {
			break
		}
	}
	if got == 0 {
		if err == nil {
			err = unix.EFAULT
		}
		return nil, fmt.Errorf("reading %d bytes at %#x: %w", n, addr, err)
	}
	return buf[:got], nil
}

func (m memory) readv(addr uint64, b []byte) (int, error) {
	local := []unix.Iovec{{Base: &b[0]}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(b)}}
	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if n < 0 {
		n = 0
	}
	return n, err
}

// readPage reads b from within one page, with PTRACE_PEEKDATA where
// process_vm_readv is not allowed.
func (m memory) readPage(addr uint64, b []byte) (int, error) {
	n, err := m.readv(addr, b)
	if err == nil && n == len(b) {
		return n, nil
	}
	k, perr := unix.PtracePeekData(m.tid, uintptr(addr), b)
	if perr != nil {
		if err == nil {
			err = perr
		}
		return n, err
	}
	return k, nil
}

// chunk returns how many bytes can be read at addr without crossing a page
// boundary, capped at limit. A string may end right before an unmapped page.
func chunk(addr uint64, limit int) int {
	n := int(pageSize - addr%pageSize)
	if n > limit {
		n = limit
	}
	return n
}

// ReadCString reads a NUL terminated string.
func (m memory) ReadCString(addr uint64) (string, error) {
	var out []byte
	for len(out) < MaxString {
		buf, err := m.Read(addr, chunk(addr, MaxString-len(out)))
		if err != nil {
			return string(out), err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		addr += uint64(len(buf))
	}
	return string(out), nil
}

// ReadUTF16String reads a NUL terminated UTF-16 (native endian) string.
func (m memory) ReadUTF16String(addr uint64) (string, error) {
	var units []uint16
	for len(units)*2 < MaxString {
		n := chunk(addr, MaxString-len(units)*2) &^ 1
		if n == 0 {
			// Misaligned string straddling a page; read one unit.
			n = 2
		}
		buf, err := m.Read(addr, n)
		if err != nil {
			return string(utf16.Decode(units)), err
		}
		for i := 0; i+1 < len(buf); i += 2 {
			u := uint16(buf[i]) | uint16(buf[i+1])<<8
			if u == 0 {
				return string(utf16.Decode(units)), nil
			}
			units = append(units, u)
		}
		addr += uint64(len(buf))
	}
	return string(utf16.Decode(units)), nil
}

// view is the Process handed to hooks.
type view struct {
	memory
}

func (v view) FDPath(fd int) (string, error) { return proc.FDPath(v.pid, fd) }

func (v view) ResolveAt(dirfd int, path string) (string, error) {
	return proc.ResolveAt(v.pid, dirfd, path)
}
