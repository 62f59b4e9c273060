//go:build !windows

package ipasim

// Supported always reports false outside the probe error: Unicorn
// itself runs on any host, but the host-DLL half of the Loader is
// Windows-only, so a non-Windows host is never fully supported even
// though the emulator will happily start.
func Supported() (bool, error) {
	eng, err := NewEngine()
	if err != nil {
		return false, err
	}
	eng.Close()
	return false, nil
}
