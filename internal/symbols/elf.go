//go:build linux

// Package symbols resolves exported functions of loaded modules to runtime
// addresses and triages binaries for the functions dblocate intercepts.
package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kaczmarj/dblocate/internal/proc"
)

// ErrNotFound is returned when no loaded module exports the symbol.
var ErrNotFound = errors.New("symbol not found")

// Address is a resolved symbol.
type Address struct {
	Symbol string
	Module string
	Addr   uint64
}

type segment struct {
	vaddr  uint64
	filesz uint64
	off    uint64
}

type module struct {
	segs []segment
	syms map[string]uint64
}

// fileOffset translates a virtual address of the module into an offset in
// its file using the PT_LOAD segments.
func (m *module) fileOffset(vaddr uint64) (uint64, bool) {
	for _, s := range m.segs {
		if vaddr >= s.vaddr && vaddr < s.vaddr+s.filesz {
			return vaddr - s.vaddr + s.off, true
		}
	}
	return 0, false
}

// runtimeAddr finds the mapping of path covering the file offset of vaddr.
func (m *module) runtimeAddr(maps []proc.Mapping, path string, vaddr uint64) (uint64, bool) {
	off, ok := m.fileOffset(vaddr)
	if !ok {
		return 0, false
	}
	for _, mp := range maps {
		if mp.Pathname == path && mp.Contains(off) {
			return mp.Start + off - mp.Offset, true
		}
	}
	return 0, false
}

// Resolver looks symbols up in the ELF dynamic symbol tables of mapped
// modules. Parsed modules are cached by path and inode.
type Resolver struct {
	// Root is prepended to module paths before opening them, usually
	// /proc/PID/root so modules in another mount namespace are found.
	Root string

	mu    sync.Mutex
	cache map[string]*module
}

// NewResolver returns a Resolver opening modules below root.
func NewResolver(root string) *Resolver {
	return &Resolver{Root: root, cache: make(map[string]*module)}
}

// Resolve finds symbol in the module whose base name starts with moduleName,
// or in any executable module when moduleName is empty.
func (r *Resolver) Resolve(maps []proc.Mapping, moduleName, symbol string) (Address, error) {
	seen := make(map[string]bool)
	for _, mp := range maps {
		if !mp.Exec || seen[mp.Pathname] {
			continue
		}
		seen[mp.Pathname] = true
		if moduleName != "" && !strings.HasPrefix(filepath.Base(mp.Pathname), moduleName) {
			continue
		}
		mod, err := r.load(mp.Pathname, mp.Inode)
		if err != nil {
			// Not every executable mapping is an ELF we can read.
			continue
		}
		vaddr, ok := mod.syms[symbol]
		if !ok {
			continue
		}
		if addr, ok := mod.runtimeAddr(maps, mp.Pathname, vaddr); ok {
			return Address{Symbol: symbol, Module: mp.Pathname, Addr: addr}, nil
		}
	}
	return Address{}, fmt.Errorf("%s: %w", symbol, ErrNotFound)
}

// Forget drops every cached module.
func (r *Resolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*module)
}

func (r *Resolver) load(path string, inode uint64) (*module, error) {
	key := fmt.Sprintf("%s:%d", path, inode)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = make(map[string]*module)
	}
	if m, ok := r.cache[key]; ok {
		return m, nil
	}
	m, err := loadModule(filepath.Join(r.Root, path))
	if err != nil {
		return nil, err
	}
	r.cache[key] = m
	return m, nil
}

func loadModule(path string) (*module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	m := &module{syms: make(map[string]uint64)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		m.segs = append(m.segs, segment{vaddr: p.Vaddr, filesz: p.Filesz, off: p.Off})
	}

	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading dynamic symbols of %s: %w", path, err)
	}
	for _, s := range syms {
		// IFUNC values point at the resolver, not at the implementation.
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		if _, dup := m.syms[s.Name]; !dup {
			m.syms[s.Name] = s.Value
		}
	}
	return m, nil
}
