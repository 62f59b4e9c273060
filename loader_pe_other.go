//go:build !windows

package ipasim

import (
	"fmt"
	"runtime"
	"unsafe"
)

// loadHostLibrary is only meaningful on the Windows host this core
// targets; on other platforms it reports that no host loader is
// available.
func loadHostLibrary(path string) (hostModule, error) {
	return hostModule{}, fmt.Errorf("ipasim: host DLL loading requires windows, got %s", runtime.GOOS)
}

func getProcAddress(handle uintptr, name string) (uint64, bool) {
	return 0, false
}

func viewOf(base uint64) unsafe.Pointer {
	return nil
}
