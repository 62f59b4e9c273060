//go:build windows

package ipasim

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func loadHostLibrary(path string) (hostModule, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return hostModule{}, err
	}

	var info windows.ModuleInfo
	if err := windows.GetModuleInformation(windows.CurrentProcess(), h, &info, uint32(unsafe.Sizeof(info))); err != nil {
		return hostModule{}, err
	}

	return hostModule{
		Handle: uintptr(h),
		Base:   uint64(info.BaseOfDll),
		Size:   uint64(info.SizeOfImage),
	}, nil
}

func getProcAddress(handle uintptr, name string) (uint64, bool) {
	addr, err := windows.GetProcAddress(windows.Handle(handle), name)
	if err != nil {
		return 0, false
	}
	return uint64(addr), true
}

// viewOf exposes an already-mapped native memory address so it can be
// handed to the engine as zero-copy backing storage: host DLL images
// are mapped in place, not copied.
func viewOf(base uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base))
}
