package ipasim

import (
	"encoding/binary"
	"log"
	"os"
	"sync"

	macho "github.com/blacktop/go-macho"
)

// LibraryKind distinguishes a guest Mach-O dylib from a host-native DLL.
type LibraryKind int

const (
	GuestDylib LibraryKind = iota
	HostDLL
)

func (k LibraryKind) String() string {
	if k == HostDLL {
		return "HostDLL"
	}
	return "GuestDylib"
}

// LibraryEntry is one loaded binary: a contiguous range of the unified
// address space, plus whatever metadata its kind needs to answer symbol
// and method-type queries later.
type LibraryEntry struct {
	Path         string
	Kind         LibraryKind
	StartAddress uint64
	Size         uint64
	IsWrapper    bool
	MachOPoser   bool

	// Guest dylibs only.
	Macho       *macho.File
	Slide       int64
	MethodTypes map[uint64]string // slid method implementation address -> Objective-C type encoding
	Aliases     map[string]uint64 // "$__ipaSim_wraps_<rva>" -> resolved address

	// Host DLLs only.
	Module uintptr // native module handle, as returned by the host loader

	// WrapperIndex is non-nil only for libraries recognized as wrapper
	// DLLs (IsWrapper); parsed lazily by the Dispatcher on first use.
	WrapperIndex *WrapperIndex
}

// Contains reports whether addr falls within this entry's mapped range.
func (e *LibraryEntry) Contains(addr uint64) bool {
	return addr >= e.StartAddress && addr < e.StartAddress+e.Size
}

// Symbols returns every defined symbol name and its slid address, for
// diagnostic inspection of a loaded guest dylib. Host DLLs don't carry
// a Go-visible export enumeration the way a parsed Mach-O symbol table
// does, so Symbols is only meaningful for GuestDylib entries.
func (e *LibraryEntry) Symbols() map[string]uint64 {
	out := make(map[string]uint64)
	if e.Kind != GuestDylib || e.Macho == nil || e.Macho.Symtab == nil {
		return out
	}
	for _, sym := range e.Macho.Symtab.Syms {
		if sym.Name == "" {
			continue
		}
		out[sym.Name] = uint64(int64(sym.Value) + e.Slide)
	}
	return out
}

// Registry maps a canonical path to its LibraryEntry and supports
// reverse lookup by address range. Insertion order is irrelevant; a
// linear scan is sufficient for the tens of libraries a typical guest
// process loads.
type Registry struct {
	mu     sync.Mutex
	byPath map[string]*LibraryEntry
	order  []*LibraryEntry
}

// NewRegistry creates an empty library registry.
func NewRegistry() *Registry {
	return &Registry{byPath: make(map[string]*LibraryEntry)}
}

// Get returns the entry previously loaded at path, if any.
func (r *Registry) Get(path string) (*LibraryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPath[path]
	return e, ok
}

// put inserts a new entry, rejecting any range overlap. The kernel
// sentinel page is registered the same way so that a single Lookup
// covers both kernel-return and normal fetches.
func (r *Registry) put(e *LibraryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.order {
		if rangesOverlap(existing.StartAddress, existing.Size, e.StartAddress, e.Size) {
			return newErr(ErrOverlappingSegments, "%s [0x%x,0x%x) overlaps %s [0x%x,0x%x)",
				e.Path, e.StartAddress, e.StartAddress+e.Size,
				existing.Path, existing.StartAddress, existing.StartAddress+existing.Size)
		}
	}
	r.byPath[e.Path] = e
	r.order = append(r.order, e)
	return nil
}

// Lookup performs a linear scan for the entry containing addr, returning
// nil if no library claims that address.
func (r *Registry) Lookup(addr uint64) *LibraryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.order {
		if e.Contains(addr) {
			return e
		}
	}
	return nil
}

func rangesOverlap(startA, sizeA, startB, sizeB uint64) bool {
	endA, endB := startA+sizeA, startB+sizeB
	return startA < endB && startB < endA
}

// Loader parses Mach-O guest binaries and host-native DLLs, maps their
// segments into the engine, resolves imports, and populates a shared
// Registry.
type Loader struct {
	mu     sync.Mutex
	reg    *Registry
	eng    Engine
	cfg    Config
	errs   []error
	logger *log.Logger

	// nextFreeAddr is the bump allocator backing reserveRange; it starts
	// just above address zero so that zero can keep meaning "unresolved"
	// in lookups, and advances past a guard page after each reservation.
	nextFreeAddr uint64
}

// NewLoader constructs a Loader writing into reg and mapping memory
// through eng.
func NewLoader(reg *Registry, eng Engine, cfg Config) *Loader {
	return &Loader{
		reg:    reg,
		eng:    eng,
		cfg:    cfg,
		logger: log.New(os.Stderr, "ipasim: ", 0),
	}
}

// Registry returns the shared library registry.
func (l *Loader) Registry() *Registry { return l.reg }

// LastErrors returns the non-fatal load errors accumulated so far.
// Loading proceeds best-effort; callers that want strict behavior
// should inspect this after every Load call.
func (l *Loader) LastErrors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]error, len(l.errs))
	copy(out, l.errs)
	return out
}

func (l *Loader) reportError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	recordLoadError()
	l.logger.Printf("%v", err)
}

// Load resolves path, dispatches to the Mach-O or PE loader by magic
// bytes, and returns the (possibly pre-existing) LibraryEntry. Load is
// idempotent: a repeat call with the same resolved path returns the
// same entry.
func (l *Loader) Load(path string) (*LibraryEntry, error) {
	resolved, relative := ResolvePath(path)

	if e, ok := l.reg.Get(resolved); ok {
		return e, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		l.reportError(newErr(ErrFileNotFound, "%s: %v", resolved, err))
		return nil, nil
	}

	isWrapper := IsWrapperDLL(resolved, relative)

	var entry *LibraryEntry
	switch {
	case len(data) >= 4 && isMachOMagic(data[:4]):
		entry, err = l.loadMachO(resolved, isWrapper, data)
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		entry, err = l.loadPE(resolved, isWrapper, data)
	default:
		l.reportError(newErr(ErrInvalidBinaryType, "%s", resolved))
		return nil, nil
	}
	if err != nil {
		l.reportError(err)
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}

	recordLoad()
	return entry, nil
}

func isMachOMagic(b []byte) bool {
	magic := binary.LittleEndian.Uint32(b)
	switch magic {
	case 0xFEEDFACE, 0xCEFAEDFE, // MH_MAGIC / MH_CIGAM (32-bit)
		0xFEEDFACF, 0xCFFAEDFE, // MH_MAGIC_64 / MH_CIGAM_64
		0xCAFEBABE, 0xBEBAFECA: // FAT_MAGIC / FAT_CIGAM
		return true
	}
	return false
}
