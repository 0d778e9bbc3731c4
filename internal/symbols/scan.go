package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
)

// Format of a scanned binary.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "macho"
)

// databaseLibraries are the link-time names that give away database use.
var databaseLibraries = []string{
	"libsqlite3",
	"libsqlcipher",
	"CoreData.framework",
	"Realm.framework",
}

// Report is the result of ScanBinary.
type Report struct {
	Path      string   `json:"path"`
	Format    Format   `json:"format"`
	Libraries []string `json:"libraries"` // linked libraries that provide database access
	Imports   []string `json:"imports"`   // intercepted functions the binary imports
	Exports   []string `json:"exports"`   // intercepted functions the binary defines itself
}

// Interesting reports whether the binary touches any database API at all.
func (r *Report) Interesting() bool {
	return len(r.Libraries) > 0 || len(r.Imports) > 0 || len(r.Exports) > 0
}

// ScanBinary inspects an ELF or Mach-O file offline and reports which of the
// target functions it imports or defines and which database libraries it
// links against. Universal Mach-O files are scanned per slice and merged.
func ScanBinary(path string, targets []string) (*Report, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return scanELF(path, f, targets)
	}

	fat, err := macho.OpenFat(path)
	if err == nil {
		defer fat.Close()
		r := &Report{Path: path, Format: FormatMachO}
		for _, arch := range fat.Arches {
			scanMachO(r, arch.File, targets)
		}
		r.normalize()
		return r, nil
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return nil, fmt.Errorf("%s is neither ELF nor Mach-O: %w", path, err)
	}
	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s is neither ELF nor Mach-O: %w", path, err)
	}
	defer m.Close()
	r := &Report{Path: path, Format: FormatMachO}
	scanMachO(r, m, targets)
	r.normalize()
	return r, nil
}

func scanELF(path string, f *elf.File, targets []string) (*Report, error) {
	r := &Report{Path: path, Format: FormatELF}

	libs, err := f.ImportedLibraries()
	if err != nil {
		return nil, fmt.Errorf("reading imported libraries of %s: %w", path, err)
	}
	for _, lib := range libs {
		if isDatabaseLibrary(lib) {
			r.Libraries = append(r.Libraries, lib)
		}
	}

	imports, err := f.ImportedSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading imported symbols of %s: %w", path, err)
	}
	for _, sym := range imports {
		if slices.Contains(targets, sym.Name) {
			r.Imports = append(r.Imports, sym.Name)
		}
	}

	// Statically linked SQLite shows up as defined symbols instead.
	syms, _ := f.DynamicSymbols()
	if len(syms) == 0 {
		syms, _ = f.Symbols()
	}
	for _, s := range syms {
		if s.Section != elf.SHN_UNDEF && slices.Contains(targets, s.Name) {
			r.Exports = append(r.Exports, s.Name)
		}
	}
	r.normalize()
	return r, nil
}

func scanMachO(r *Report, m *macho.File, targets []string) {
	for _, lib := range m.ImportedLibraries() {
		if isDatabaseLibrary(lib) {
			r.Libraries = append(r.Libraries, lib)
		}
	}
	if m.Symtab == nil {
		return
	}
	for _, sym := range m.Symtab.Syms {
		// C symbols carry a leading underscore in Mach-O.
		name := strings.TrimPrefix(sym.Name, "_")
		if !slices.Contains(targets, name) {
			continue
		}
		if sym.Value == 0 {
			r.Imports = append(r.Imports, name)
		} else {
			r.Exports = append(r.Exports, name)
		}
	}
}

func (r *Report) normalize() {
	for _, s := range []*[]string{&r.Libraries, &r.Imports, &r.Exports} {
		sort.Strings(*s)
		*s = slices.Compact(*s)
	}
}

func isDatabaseLibrary(lib string) bool {
	base := filepath.Base(lib)
	for _, name := range databaseLibraries {
		if strings.HasPrefix(base, name) || strings.Contains(lib, name) {
			return true
		}
	}
	return false
}
