package ipasim

// hostModule describes a native library as returned by the host OS's
// packaged-library loader.
type hostModule struct {
	Handle uintptr
	Base   uint64
	Size   uint64
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// loadPE defers to the host loader, queries the module's base and
// size, detects a Mach-O poser by its exported "_mh_dylib_header"
// symbol, and maps the page-aligned effective range into the engine.
// The image is mapped in place as zero-copy backing storage, readable
// and writable but never executable: that is what turns every guest
// call into this library into a fetch-protection fault.
func (l *Loader) loadPE(path string, isWrapper bool, data []byte) (*LibraryEntry, error) {
	mod, err := loadHostLibrary(path)
	if err != nil {
		return nil, newErr(ErrHostLoaderFailed, "%s: %v", path, err)
	}

	entry := &LibraryEntry{
		Path:      path,
		Kind:      HostDLL,
		IsWrapper: isWrapper,
		Module:    mod.Handle,
	}

	effectiveBase := mod.Base
	if addr, ok := getProcAddress(mod.Handle, "_mh_dylib_header"); ok {
		entry.MachOPoser = true
		effectiveBase = addr
	}

	alignedBase := alignDown(effectiveBase, pageSize)
	end := alignUp(mod.Base+mod.Size, pageSize)
	size := end - alignedBase

	if err := l.eng.MemMapPtr(alignedBase, size, int(PermRead|PermWrite), viewOf(alignedBase)); err != nil {
		return nil, newErr(ErrAllocationFailed, "%s: map host library at 0x%x: %v", path, alignedBase, err)
	}

	entry.StartAddress = alignedBase
	entry.Size = size
	if err := l.reg.put(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// resolveHostExport looks a name up in a loaded host DLL's export table.
func resolveHostExport(lib *LibraryEntry, name string) (uint64, bool) {
	return getProcAddress(lib.Module, name)
}
