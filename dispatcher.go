package ipasim

// Dispatcher classifies a fetch-protection fault and decides how the
// guest→native crossing it represents should be carried out: return to
// the kernel sentinel, invoke a precompiled native wrapper, resume ARM
// execution in a guest reimplementation dylib located through a wrapper
// DLL's index, or fall back to fully dynamic translation driven by
// Objective-C method type metadata.
type Dispatcher struct {
	ex     *Executor
	loader *Loader
	cfg    Config
}

// NewDispatcher builds a Dispatcher sharing ex's executor and loader's
// registry.
func NewDispatcher(ex *Executor, loader *Loader, cfg Config) *Dispatcher {
	return &Dispatcher{ex: ex, loader: loader, cfg: cfg}
}

// HandleFetchProtection is called from the fetch-protection and code
// hooks with the faulting address. It returns true if execution may
// continue normally (the fault was handled and the guest is either
// resuming or has legitimately returned to the kernel), false if the
// fault is fatal and emulation must stop.
func (d *Dispatcher) HandleFetchProtection(addr uint64) bool {
	recordDispatch()

	if addr == d.cfg.KernelSentinelAddr {
		d.ex.returnToKernel()
		return true
	}

	lib := d.loader.reg.Lookup(addr)
	if lib == nil {
		recordDispatchError()
		d.loader.reportError(newErr(ErrUnmappedFetch, "0x%x", addr))
		return false
	}

	if lib.Kind == GuestDylib {
		// The code hook's compensation path can land here for a guest
		// address that was merely non-executable at load time (e.g. a
		// PROT_NONE padding segment); there is nothing to dispatch.
		return true
	}

	if lib.IsWrapper {
		return d.invokeNativeWrapper(addr)
	}

	return d.dispatchViaWrapperIndex(lib, addr)
}

// invokeNativeWrapper handles a fetch landing directly inside a wrapper
// DLL: R0 holds a pointer to the marshaled argument block the guest
// prepared, and the wrapper is real x86 code compiled to be called as
// void(uint32_t). The call must happen outside the restart loop's
// current Start invocation, since the wrapper may itself re-enter
// emulation (a callback argument, for instance).
func (d *Dispatcher) invokeNativeWrapper(addr uint64) bool {
	r0, err := d.ex.RegRead(RegR0)
	if err != nil {
		recordDispatchError()
		return false
	}
	arg := uint32(r0)
	err = d.ex.continueOutsideEmulation(func() {
		recordWrapperDispatch()
		callNativeVoidU32(addr, arg)
		d.ex.returnToEmulation()
	})
	return err == nil
}

// dispatchViaWrapperIndex handles a fetch landing inside an ordinary
// (non-wrapper) host DLL: the companion wrapper DLL is loaded, its
// index consulted for the library-relative RVA, and either a guest
// reimplementation is resumed or dynamic translation takes over.
func (d *Dispatcher) dispatchViaWrapperIndex(lib *LibraryEntry, addr uint64) bool {
	wrapperLib, err := d.loader.Load(WrapperPathFor(lib.Path))
	if err != nil || wrapperLib == nil {
		recordDispatchError()
		d.loader.reportError(newErr(ErrMissingWrapperEntry, "%s: no companion wrapper", lib.Path))
		return false
	}

	idx, err := d.wrapperIndex(wrapperLib)
	if err != nil {
		recordDispatchError()
		d.loader.reportError(err)
		return false
	}

	rva := uint32(addr-lib.StartAddress) + d.cfg.WrapperRVABase
	libIdx, ok := idx.RVAToLib[rva]
	if !ok {
		return d.dynamicTranslate(lib, addr)
	}
	if libIdx < 0 || libIdx >= len(idx.Libs) {
		recordDispatchError()
		d.loader.reportError(newErr(ErrMissingWrapperEntry, "rva 0x%x: library index %d out of range", rva, libIdx))
		return false
	}

	dylib, err := d.loader.Load(idx.Libs[libIdx])
	if err != nil || dylib == nil {
		recordDispatchError()
		d.loader.reportError(newErr(ErrMissingWrapperEntry, "%s: failed to load", idx.Libs[libIdx]))
		return false
	}
	target, ok := dylib.Aliases[aliasName(rva)]
	if !ok {
		recordDispatchError()
		d.loader.reportError(newErr(ErrMissingWrapperEntry, "%s: missing alias for rva 0x%x", dylib.Path, rva))
		return false
	}

	// The alias resolved to a guest reimplementation of the faulting
	// function: no ABI translation is needed, so redirect PC there and
	// let emulation continue. The original LR is untouched, so the
	// handler returns straight to the faulting call site.
	if resolved := d.loader.reg.Lookup(target); resolved != nil && resolved.IsWrapper {
		return d.invokeNativeWrapper(target)
	}
	recordWrapperDispatch()
	if err := d.ex.RegWrite(RegPC, target); err != nil {
		recordDispatchError()
		return false
	}
	return true
}

// dynamicTranslate handles an RVA the wrapper index has no entry for:
// the call is translated on the fly from the faulting address's
// Objective-C method type encoding, marshaling arguments out of
// registers and the guest stack and invoking the native implementation
// directly.
func (d *Dispatcher) dynamicTranslate(lib *LibraryEntry, addr uint64) bool {
	encoding, ok := lib.MethodTypes[addr]
	if !ok {
		recordDispatchError()
		d.loader.reportError(newErr(ErrMissingMethodType, "0x%x in %s", addr, lib.Path))
		return false
	}

	dec := NewTypeDecoder(encoding)
	retSize, err := dec.Next()
	if err != nil {
		recordDispatchError()
		d.loader.reportError(err)
		return false
	}
	var returns bool
	switch retSize {
	case 0:
		returns = false
	case 4:
		returns = true
	default:
		recordDispatchError()
		d.loader.reportError(newErr(ErrUnsupportedTypeEncoding, "return size %d at 0x%x", retSize, addr))
		return false
	}

	caller := NewDynamicCaller(d.ex)
	for dec.HasNext() {
		sz, err := dec.Next()
		if err != nil {
			recordDispatchError()
			d.loader.reportError(err)
			return false
		}
		if err := caller.LoadArg(sz); err != nil {
			recordDispatchError()
			d.loader.reportError(err)
			return false
		}
	}

	err = d.ex.continueOutsideEmulation(func() {
		recordDynamicDispatch()
		if err := caller.Call(returns, addr); err != nil {
			recordDispatchError()
			d.loader.reportError(err)
			return
		}
		d.ex.returnToEmulation()
	})
	return err == nil
}
