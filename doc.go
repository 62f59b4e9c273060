// Package ipasim implements the cross-ABI execution core of an iOS
// ARM32 application compatibility layer: it loads Mach-O guest binaries
// and host-native dynamic libraries into one address space, arbitrates
// control transfers between emulated ARM32 code and native x86 code in
// both directions, and drives the cooperative handoff between the CPU
// emulator's run loop and native execution.
//
// # Basic usage
//
// Create a registry and a loader, then an executor bound to it:
//
//	cfg := ipasim.DefaultConfig()
//	eng, err := ipasim.NewEngine()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	reg := ipasim.NewRegistry()
//	ldr := ipasim.NewLoader(reg, eng, cfg)
//
//	lib, err := ldr.Load("/System/Library/Frameworks/Foundation.framework/Foundation")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	exec, err := ipasim.NewExecutor(ldr, eng, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer exec.Close()
//
//	if err := exec.Execute(lib); err != nil {
//		log.Fatal(err)
//	}
//
// # Fetch-protection dispatch
//
// Host DLLs are mapped into the emulator as readable/writable but never
// executable (see Loader). A guest branch into such a range faults; the
// Executor's hooks hand that fault to a Dispatcher, which resolves it to
// a precompiled wrapper or a dynamically-translated call, both run in a
// continuation after the emulator has stopped, or to a direct jump into
// a guest reimplementation of the called function.
//
// # Resource management
//
// Guest memory, the emulator's stack, the kernel sentinel page and
// translated trampolines are retained for the process lifetime; see
// Loader and TrampolineAllocator for the documented leak policy.
package ipasim
