package ipasim

import (
	"github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// installHooks wires the four hooks that drive the guest↔native
// boundary: a fetch-protection hook (the primary guest→native crossing
// signal), a code hook (compensates for a known engine bug where a
// non-executable fetch is sometimes not caught by the fetch-protection
// hook), an unmapped read/write hook (silently maps the memory so the
// guest can continue), and an unmapped-fetch hook (fatal).
func (ex *Executor) installHooks() error {
	fetchProt, err := ex.eng.HookAdd(unicorn.HOOK_MEM_FETCH_PROT,
		ex.onFetchProtection, 1, 0)
	if err != nil {
		return newErr(ErrEngineFailure, "install fetch-protection hook: %v", err)
	}
	ex.hooks = append(ex.hooks, fetchProt)

	code, err := ex.eng.HookAdd(unicorn.HOOK_CODE, ex.onCode, 1, 0)
	if err != nil {
		return newErr(ErrEngineFailure, "install code hook: %v", err)
	}
	ex.hooks = append(ex.hooks, code)

	write, err := ex.eng.HookAdd(unicorn.HOOK_MEM_READ_UNMAPPED|unicorn.HOOK_MEM_WRITE_UNMAPPED,
		ex.onUnmappedAccess, 1, 0)
	if err != nil {
		return newErr(ErrEngineFailure, "install write hook: %v", err)
	}
	ex.hooks = append(ex.hooks, write)

	unmapped, err := ex.eng.HookAdd(unicorn.HOOK_MEM_FETCH_UNMAPPED,
		ex.onUnmappedFetch, 1, 0)
	if err != nil {
		return newErr(ErrEngineFailure, "install unmapped-fetch hook: %v", err)
	}
	ex.hooks = append(ex.hooks, unmapped)

	return nil
}

// onFetchProtection is invoked when guest code attempts to execute
// memory mapped non-executable: by construction, that is always a host
// DLL, the kernel sentinel, or an unmapped region. Dispatch decides
// which.
func (ex *Executor) onFetchProtection(mu unicorn.Unicorn, access int, addr uint64, size int, value int64) bool {
	return ex.disp.HandleFetchProtection(addr)
}

// onCode compensates for a known engine bug: the fetch-protection hook
// has been observed not to fire for a native-code fetch. If the code
// hook sees PC land inside a non-guest-dylib library, it manually
// invokes the dispatcher.
func (ex *Executor) onCode(mu unicorn.Unicorn, addr uint64, size uint32) {
	lib := ex.loader.reg.Lookup(addr)
	if lib == nil || lib.Kind == GuestDylib {
		return
	}
	ex.disp.HandleFetchProtection(addr)
}

// onUnmappedAccess silently maps the faulting page read/write and lets
// the guest continue. Reads and writes to unmapped memory are usually
// the guest touching heap or externally owned objects that were never
// explicitly mapped.
func (ex *Executor) onUnmappedAccess(mu unicorn.Unicorn, access int, addr uint64, size int, value int64) bool {
	page := alignDown(addr, pageSize)
	mapped := alignUp(uint64(size), pageSize)
	if err := ex.eng.MemMapProt(page, mapped, int(PermRead|PermWrite)); err != nil {
		return false
	}
	return true
}

// onUnmappedFetch reports a fatal unmapped-fetch condition: execution
// cannot meaningfully continue from here.
func (ex *Executor) onUnmappedFetch(mu unicorn.Unicorn, access int, addr uint64, size int, value int64) bool {
	recordDispatchError()
	ex.loader.reportError(newErr(ErrUnmappedFetch, "0x%x", addr))
	return false
}
