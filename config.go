package ipasim

// Config carries the handful of parameters that must not be guessed at
// (the wrapper-index RVA base) or are otherwise environment-specific
// (stack size, kernel sentinel address), passed explicitly into
// constructors rather than read from a package-level global.
type Config struct {
	// KernelSentinelAddr is the fixed, emulator-visible address of the
	// single PROT_NONE page used as the distinguished top-level return
	// address.
	KernelSentinelAddr uint64

	// StackSize is the size of the guest stack the Executor allocates
	// for the one-shot entry point.
	StackSize uint64

	// WrapperRVABase is added to a fetch address's library-relative
	// offset before it is looked up in a wrapper DLL's WrapperIndex. The
	// same base applies to every library; LibraryEntry has no
	// per-library override.
	WrapperRVABase uint32
}

// DefaultConfig returns an 8 MiB stack and the historical wrapper RVA
// base of 0x1000. The kernel sentinel is placed well above any
// plausible guest image to avoid the no-overlap invariant ever being
// violated by coincidence.
func DefaultConfig() Config {
	return Config{
		KernelSentinelAddr: 0xFFFF0000,
		StackSize:          8 * 1024 * 1024,
		WrapperRVABase:     0x1000,
	}
}
