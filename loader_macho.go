package ipasim

import (
	"bytes"
	"fmt"

	macho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/go-macho/types/objc"
)

const pageSize = 0x1000

// Mach-O header flags this loader cares about. Named as raw bits rather
// than via go-macho's flag helpers so the check is independent of
// exactly which accessor a given go-macho version exposes for them.
const (
	machOFlagSplitSegs = 0x00000020 // MH_SPLIT_SEGS
	machOFlagPIE       = 0x00200000 // MH_PIE
)

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// loadMachO parses a Mach-O image, slides its segments to a free guest
// address range, relocates and binds it, and builds the resulting
// LibraryEntry. The entry is registered before dependencies are loaded
// so that a dependency cycle resolves to the partially-loaded entry
// instead of recursing.
func (l *Loader) loadMachO(path string, isWrapper bool, data []byte) (*LibraryEntry, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, newErr(ErrInvalidBinaryType, "%s: %v", path, err)
	}

	if f.FileHeader.CPU != types.CPUArm {
		return nil, newErr(ErrInvalidBinaryType, "%s: expected ARM binary, got %s", path, f.FileHeader.CPU)
	}
	if uint32(f.FileHeader.Flags)&machOFlagSplitSegs != 0 {
		return nil, newErr(ErrUnsupportedHeaderFlag, "%s: MH_SPLIT_SEGS not supported", path)
	}
	if !canSegmentsSlide(f) {
		return nil, newErr(ErrUnsupportedHeaderFlag, "%s: binary is not slideable (not dylib/bundle/PIE)", path)
	}

	segs := f.Segments()
	if len(segs) == 0 {
		return nil, newErr(ErrInvalidBinaryType, "%s: no segments", path)
	}

	lowAddr := uint64(1) << 63
	highAddr := uint64(0)
	for _, seg := range segs {
		end := alignUp(seg.Addr+seg.Memsz, pageSize)
		if seg.Addr < lowAddr {
			lowAddr = seg.Addr
		}
		if end > highAddr {
			highAddr = end
		}
	}
	size := highAddr - lowAddr

	buf := make([]byte, size)
	slide := int64(0) // computed once the buffer is placed; see below.

	entry := &LibraryEntry{
		Path:        path,
		Kind:        GuestDylib,
		IsWrapper:   isWrapper,
		Macho:       f,
		MethodTypes: make(map[uint64]string),
		Aliases:     make(map[string]uint64),
	}

	// Reserve the guest address range first so the slide is known before
	// any segment is copied in.
	startAddress, err := l.reserveRange(size)
	if err != nil {
		return nil, err
	}
	slide = int64(startAddress) - int64(lowAddr)
	entry.StartAddress = startAddress
	entry.Size = size
	entry.Slide = slide

	if err := l.reg.put(entry); err != nil {
		return nil, err
	}

	for _, seg := range segs {
		prot := vmProtToPermission(seg.Prot)
		segVirt := uint64(int64(seg.Addr) + slide)
		segSize := alignUp(seg.Memsz, pageSize)

		if prot == PermNone {
			if err := l.eng.MemMapProt(segVirt, segSize, int(prot)); err != nil {
				return nil, newErr(ErrAllocationFailed, "%s: map PROT_NONE segment %s: %v", path, seg.Name, err)
			}
			continue
		}

		segData, err := seg.Data()
		if err != nil {
			l.reportError(newErr(ErrUnsupportedRelocation, "%s: read segment %s: %v", path, seg.Name, err))
			segData = nil
		}
		copy(buf[seg.Addr-lowAddr:], segData)

		// Map writable first so the file contents (and later the rebase
		// and binding fixups) can be written through, then narrow to the
		// declared protection.
		if err := l.eng.MemMapProt(segVirt, segSize, int(PermRead|PermWrite|PermExec)); err != nil {
			return nil, newErr(ErrAllocationFailed, "%s: map segment %s: %v", path, seg.Name, err)
		}
		if err := l.eng.MemWrite(segVirt, buf[seg.Addr-lowAddr:seg.Addr-lowAddr+segSize]); err != nil {
			return nil, newErr(ErrAllocationFailed, "%s: write segment %s: %v", path, seg.Name, err)
		}
	}

	if err := l.relocateSegments(entry, f, slide); err != nil {
		l.reportError(err)
	}

	for _, load := range f.GetLoadsByName("LC_LOAD_DYLIB") {
		dep, ok := load.(*macho.LoadDylib)
		if !ok {
			continue
		}
		if _, err := l.Load(dep.Name); err != nil {
			l.reportError(newErr(ErrMissingSymbol, "%s: load dependency %s: %v", path, dep.Name, err))
		}
	}

	if err := l.bindSymbols(entry, f, slide); err != nil {
		l.reportError(err)
	}

	l.loadMethodTypes(entry, f)
	l.loadAliases(entry, f, slide)

	for _, seg := range segs {
		prot := vmProtToPermission(seg.Prot)
		if prot == PermNone || prot == PermRead|PermWrite|PermExec {
			continue
		}
		segVirt := uint64(int64(seg.Addr) + slide)
		if err := l.eng.MemProtect(segVirt, alignUp(seg.Memsz, pageSize), int(prot)); err != nil {
			return nil, newErr(ErrAllocationFailed, "%s: reprotect segment %s: %v", path, seg.Name, err)
		}
	}

	return entry, nil
}

// canSegmentsSlide mirrors ImageLoaderMachO::segmentsCanSlide: only
// dylibs, bundles, and position-independent executables may be placed at
// an address other than their link-time preferred one.
func canSegmentsSlide(f *macho.File) bool {
	switch f.FileHeader.Type {
	case types.MH_DYLIB, types.MH_BUNDLE:
		return true
	case types.MH_EXECUTE:
		return uint32(f.FileHeader.Flags)&machOFlagPIE != 0
	default:
		return false
	}
}

func vmProtToPermission(p types.VmProtection) Permission {
	var perm Permission
	if p&types.VmProtection(1) != 0 { // VM_PROT_READ
		perm |= PermRead
	}
	if p&types.VmProtection(2) != 0 { // VM_PROT_WRITE
		perm |= PermWrite
	}
	if p&types.VmProtection(4) != 0 { // VM_PROT_EXECUTE
		perm |= PermExec
	}
	return perm
}

// reserveRange hands out `size` bytes (rounded up to whole pages) of
// guest address space from the loader's bump allocator, disjoint from
// every earlier reservation. It neither maps memory in the engine nor
// consults the Registry. Guest memory is never unmapped once reserved.
func (l *Loader) reserveRange(size uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := l.nextFreeAddr
	if addr == 0 {
		addr = 0x10000 // leave the zero page unused so it can keep meaning "unresolved"
	}
	aligned := alignUp(size, pageSize)
	l.nextFreeAddr = addr + aligned + pageSize // leave a guard page between images
	return addr, nil
}

// relocateSegments applies every rebase fixup: add the slide to the
// 32-bit value at the target, leaving zero values untouched so null
// pointers stay null.
func (l *Loader) relocateSegments(entry *LibraryEntry, f *macho.File, slide int64) error {
	rebases, err := f.GetRebaseInfo()
	if err != nil {
		return newErr(ErrUnsupportedRelocation, "%s: read rebase info: %v", entry.Path, err)
	}
	for _, rb := range rebases {
		if rb.Type != types.REBASE_TYPE_POINTER {
			return newErr(ErrUnsupportedRelocation, "%s: non-pointer rebase at 0x%x", entry.Path, rb.Start+rb.Offset)
		}
		target := uint64(int64(rb.Start+rb.Offset) + slide)
		word, err := l.eng.MemRead(target, 4)
		if err != nil {
			continue
		}
		val := le32(word)
		if val == 0 {
			continue // preserve null pointers
		}
		putLE32(word, val+uint32(slide))
		if err := l.eng.MemWrite(target, word); err != nil {
			return newErr(ErrUnsupportedRelocation, "%s: write rebase at 0x%x: %v", entry.Path, target, err)
		}
	}
	return nil
}

// bindSymbols resolves each standard or lazy binding (pointer type,
// zero addend, non-flat namespace only) by looking up the symbol in the
// named library and writing its resolved address into the slid target
// slot.
func (l *Loader) bindSymbols(entry *LibraryEntry, f *macho.File, slide int64) error {
	binds, err := f.GetBindInfo()
	if err != nil {
		return newErr(ErrUnsupportedBinding, "%s: read bind info: %v", entry.Path, err)
	}
	for _, b := range binds {
		if b.Type != types.BIND_TYPE_POINTER {
			return newErr(ErrUnsupportedBinding, "%s: non-pointer binding for %s", entry.Path, b.Name)
		}
		if b.Addend != 0 {
			return newErr(ErrUnsupportedBinding, "%s: non-zero addend for %s", entry.Path, b.Name)
		}
		dep, ok := l.reg.Get(firstResolved(b.Dylib))
		if !ok {
			return newErr(ErrMissingSymbol, "%s: dependency %s not loaded for symbol %s", entry.Path, b.Dylib, b.Name)
		}
		addr, ok := resolveSymbol(dep, b.Name)
		if !ok {
			return newErr(ErrMissingSymbol, "%s: symbol %s not found in %s", entry.Path, b.Name, dep.Path)
		}
		target := uint64(int64(b.Start+b.SegOffset) + slide)
		word := make([]byte, 4)
		putLE32(word, uint32(addr))
		if err := l.eng.MemWrite(target, word); err != nil {
			return newErr(ErrUnsupportedBinding, "%s: write binding at 0x%x: %v", entry.Path, target, err)
		}
	}
	return nil
}

func firstResolved(libraryPath string) string {
	resolved, _ := ResolvePath(libraryPath)
	return resolved
}

// resolveSymbol looks a symbol up in a loaded library's export set: the
// Mach-O symbol table for guest dylibs, the native export table for host
// DLLs.
func resolveSymbol(lib *LibraryEntry, name string) (uint64, bool) {
	if lib.Kind == HostDLL {
		return resolveHostExport(lib, name)
	}
	if lib.Macho == nil || lib.Macho.Symtab == nil {
		return 0, false
	}
	for _, sym := range lib.Macho.Symtab.Syms {
		if sym.Name == name {
			return uint64(int64(sym.Value) + lib.Slide), true
		}
	}
	return 0, false
}

// loadMethodTypes populates the Objective-C method type-encoding table
// used by the Dispatcher's dynamic-translation path and the Trampoline
// Allocator, keyed by each method's slid implementation address.
func (l *Loader) loadMethodTypes(entry *LibraryEntry, f *macho.File) {
	classes, err := f.GetObjCClasses()
	if err != nil {
		return // no Objective-C metadata; dynamic translation simply won't apply
	}
	record := func(methods []objc.Method) {
		for _, m := range methods {
			if m.Types == "" || m.ImpVMAddr == 0 {
				continue
			}
			entry.MethodTypes[uint64(int64(m.ImpVMAddr)+entry.Slide)] = m.Types
		}
	}
	for _, class := range classes {
		record(class.InstanceMethods)
		record(class.ClassMethods)
	}
}

// loadAliases records every "$__ipaSim_wraps_<rva>" export, the alias
// convention hand-written wrappers use.
func (l *Loader) loadAliases(entry *LibraryEntry, f *macho.File, slide int64) {
	if f.Symtab == nil {
		return
	}
	for _, sym := range f.Symtab.Syms {
		if len(sym.Name) > len(aliasPrefix) && sym.Name[:len(aliasPrefix)] == aliasPrefix {
			entry.Aliases[sym.Name] = uint64(int64(sym.Value) + slide)
		}
	}
}

const aliasPrefix = "$__ipaSim_wraps_"

func aliasName(rva uint32) string {
	return fmt.Sprintf("%s%d", aliasPrefix, rva)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
