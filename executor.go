package ipasim

import (
	"sync"
	"time"

	macho "github.com/blacktop/go-macho"
	"github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// stopReason is the reason the restart loop's last iteration of
// Engine.Start returned.
type stopReason int

const (
	stopNone stopReason = iota
	stopKernelReturn
	stopDeferred
	stopRestart
)

// continuation is the at-most-one pending deferred closure: consumed
// exactly once, from the top of the driving loop, never from inside a
// hook.
type continuation struct {
	fn      func()
	pending bool
}

// Executor owns the emulator handle, the return-address stack and the
// continuation slot. No other component may touch these directly; they
// are reached only through Executor's published operations.
type Executor struct {
	mu     sync.Mutex
	eng    Engine
	loader *Loader
	disp   *Dispatcher
	cfg    Config

	returnStack []uint32
	cont        continuation
	running     bool
	reason      stopReason

	hooks  []unicorn.Hook
	closed bool

	stackBase uint64
	stackTop  uint64
}

// NewExecutor builds an Executor around eng, wiring a Dispatcher bound
// to the same loader and engine, mapping the kernel sentinel page at
// cfg.KernelSentinelAddr, and installing the hooks that drive dispatch.
func NewExecutor(loader *Loader, eng Engine, cfg Config) (*Executor, error) {
	ex := &Executor{
		eng:    eng,
		loader: loader,
		cfg:    cfg,
	}
	ex.disp = NewDispatcher(ex, loader, cfg)

	if err := eng.MemMapProt(cfg.KernelSentinelAddr, pageSize, int(PermNone)); err != nil {
		return nil, newErr(ErrAllocationFailed, "map kernel sentinel: %v", err)
	}
	if err := loader.reg.put(&LibraryEntry{
		Path:         "$kernel",
		Kind:         HostDLL,
		StartAddress: cfg.KernelSentinelAddr,
		Size:         pageSize,
	}); err != nil {
		return nil, err
	}

	if err := ex.installHooks(); err != nil {
		return nil, err
	}

	return ex, nil
}

// Close releases the engine handle. Guest memory itself is leaked for
// the process lifetime; Close only tears down the engine instance.
func (ex *Executor) Close() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.closed {
		return nil
	}
	ex.closed = true
	for _, h := range ex.hooks {
		ex.eng.HookDel(h)
	}
	return ex.eng.Close()
}

// Execute is the one-shot entry point: it allocates the guest stack,
// runs the guest runtime initialization contract (dyld and libobjc, if
// present), then invokes the library's slid entry point.
func (ex *Executor) Execute(lib *LibraryEntry) error {
	if lib.Kind != GuestDylib || lib.Macho == nil {
		return newErr(ErrInvalidBinaryType, "%s is not an executable guest dylib", lib.Path)
	}

	if err := ex.allocateStack(); err != nil {
		return err
	}
	if err := ex.RegWrite(RegSP, ex.stackTop-12); err != nil {
		return err
	}

	// Initialize the binary with the host-side guest runtime, the way
	// dyld's own initializer would: _dyld_initialize receives the slid
	// Mach-O header address, then the Objective-C runtime comes up.
	// Both are native host exports and are called directly, not through
	// emulation.
	header, ok := resolveSymbol(lib, "__mh_execute_header")
	if !ok {
		header = lib.StartAddress
	}
	ex.callInitializer("libdyld.dll", "_dyld_initialize", uint32(header))
	ex.callInitializer("libobjc.dll", "_objc_init")

	entry, err := entryPoint(lib)
	if err != nil {
		return err
	}
	return ex.ExecuteAddr(uint64(int64(entry) + lib.Slide))
}

// callInitializer resolves a native initializer export and invokes it
// directly. Missing runtime DLLs or exports are tolerated: the loader
// has already recorded why.
func (ex *Executor) callInitializer(dll, symbol string, args ...uint32) {
	lib, err := ex.loader.Load(dll)
	if err != nil || lib == nil {
		return
	}
	addr, ok := resolveSymbol(lib, symbol)
	if !ok {
		ex.loader.reportError(newErr(ErrMissingSymbol, "%s in %s", symbol, dll))
		return
	}
	callNative(addr, args...)
}

// ExecuteAddr is the inner driver: it saves the current link register
// onto the return stack, points LR at the kernel sentinel so a guest
// top-level `bx lr` faults there, and runs the restart loop.
func (ex *Executor) ExecuteAddr(addr uint64) error {
	lr, err := ex.eng.RegRead(RegLR)
	if err != nil {
		return newErr(ErrEngineFailure, "read LR: %v", err)
	}
	ex.mu.Lock()
	ex.returnStack = append(ex.returnStack, uint32(lr))
	ex.mu.Unlock()

	if err := ex.eng.RegWrite(RegLR, ex.cfg.KernelSentinelAddr); err != nil {
		return newErr(ErrEngineFailure, "write LR: %v", err)
	}

	return ex.runLoop(addr)
}

// runLoop drives one restart-loop cycle: run until the engine stops,
// run any pending continuation outside emulation, then either resume at
// a new address or return to the caller.
func (ex *Executor) runLoop(addr uint64) error {
	for {
		start := time.Now()
		ex.mu.Lock()
		ex.running = true
		ex.mu.Unlock()

		if err := ex.eng.Start(addr, 0); err != nil {
			recordEngineError()
			return newErr(ErrEngineFailure, "%v", err)
		}

		ex.mu.Lock()
		if ex.running {
			ex.mu.Unlock()
			return newErr(ErrEngineFailure, "hook failed to clear Running")
		}
		reason := ex.reason
		var cont func()
		if reason == stopDeferred && ex.cont.pending {
			cont = ex.cont.fn
			ex.cont.fn = nil
			ex.cont.pending = false
		}
		ex.mu.Unlock()

		if cont != nil {
			cont()
			recordRestart(time.Since(start))
		}

		ex.mu.Lock()
		restart := ex.reason == stopRestart
		ex.mu.Unlock()
		if restart {
			newAddr, err := ex.eng.RegRead(RegLR)
			if err != nil {
				return newErr(ErrEngineFailure, "read LR for restart: %v", err)
			}
			addr = newAddr
			continue
		}

		return nil
	}
}

// returnToKernel pops the saved link register, restores it, and stops
// the engine. The outer loop then exits without restarting.
func (ex *Executor) returnToKernel() {
	ex.mu.Lock()
	n := len(ex.returnStack)
	var lr uint32
	if n > 0 {
		lr = ex.returnStack[n-1]
		ex.returnStack = ex.returnStack[:n-1]
	}
	ex.mu.Unlock()

	ex.eng.RegWrite(RegLR, uint64(lr))
	ex.eng.Stop()
	ex.mu.Lock()
	ex.running = false
	ex.reason = stopKernelReturn
	ex.mu.Unlock()
}

// returnToEmulation resumes execution at the saved LR on the next
// restart-loop iteration. The engine must already be stopped by the
// time this is called.
func (ex *Executor) returnToEmulation() {
	ex.mu.Lock()
	ex.running = false
	ex.reason = stopRestart
	ex.mu.Unlock()
}

// continueOutsideEmulation is the only legal way to invoke code that may
// itself re-enter the emulator: it stores fn, stops the engine, and
// guarantees re-entry happens at the top of the driving loop rather
// than from inside a hook.
func (ex *Executor) continueOutsideEmulation(fn func()) error {
	ex.mu.Lock()
	if ex.cont.pending {
		ex.mu.Unlock()
		return ErrContinuationSet
	}
	ex.cont.fn = fn
	ex.cont.pending = true
	ex.mu.Unlock()

	ex.eng.Stop()

	ex.mu.Lock()
	ex.running = false
	ex.reason = stopDeferred
	ex.mu.Unlock()
	return nil
}

// RegRead/RegWrite expose the subset of register access the Dispatcher,
// Dynamic Caller and Back-Caller need; those components reach registers
// only through these, never by holding their own Engine reference.
func (ex *Executor) RegRead(reg int) (uint64, error) {
	return ex.eng.RegRead(reg)
}

func (ex *Executor) RegWrite(reg int, value uint64) error {
	return ex.eng.RegWrite(reg, value)
}

// MemRead/MemWrite expose guest memory access for stack-spilled
// arguments the Dynamic Caller and Back-Caller marshal beyond R0-R3.
func (ex *Executor) MemRead(addr, size uint64) ([]byte, error) {
	return ex.eng.MemRead(addr, size)
}

func (ex *Executor) MemWrite(addr uint64, data []byte) error {
	return ex.eng.MemWrite(addr, data)
}

func (ex *Executor) allocateStack() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.stackBase != 0 {
		return nil
	}
	base, err := ex.loader.reserveRange(ex.cfg.StackSize)
	if err != nil {
		return err
	}
	if err := ex.eng.MemMapProt(base, ex.cfg.StackSize, int(PermRead|PermWrite)); err != nil {
		return newErr(ErrAllocationFailed, "map guest stack: %v", err)
	}
	ex.stackBase = base
	ex.stackTop = base + ex.cfg.StackSize
	return nil
}

// entryPoint finds the unslid virtual address execution should begin at:
// the LC_MAIN entry offset relative to the image's base address.
func entryPoint(lib *LibraryEntry) (uint64, error) {
	main := lib.Macho.GetLoadsByName("LC_MAIN")
	if len(main) == 0 {
		return 0, newErr(ErrInvalidBinaryType, "%s: no LC_MAIN entry point", lib.Path)
	}
	ep, ok := main[0].(*macho.EntryPoint)
	if !ok {
		return 0, newErr(ErrInvalidBinaryType, "%s: unexpected LC_MAIN load command shape", lib.Path)
	}
	return ep.EntryOffset + lib.Macho.GetBaseAddress(), nil
}
