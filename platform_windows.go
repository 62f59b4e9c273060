//go:build windows

package ipasim

// Supported reports whether this core can run on the current host: the
// emulation engine must be constructible. There is no sysctl-style
// capability flag for a software CPU emulator, so it probes by
// constructing and immediately releasing an engine instance.
func Supported() (bool, error) {
	eng, err := NewEngine()
	if err != nil {
		return false, err
	}
	defer eng.Close()
	return true, nil
}
