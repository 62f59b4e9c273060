package ipasim

import (
	"sync"

	"github.com/ebitengine/purego"
)

// maxTrampolineArgs bounds how many arguments a generated trampoline can
// accept; every argument must be exactly one word (4 bytes), matching
// the subset of method shapes the callback ABI supports.
const maxTrampolineArgs = 4

// trampolineKey identifies one guest entry point called with one fixed
// argument shape. The same guest function can be handed to the host as
// a callback more than once (e.g. registered against several
// delegates); every registration for the same (target, encoding) pair
// shares one native thunk instead of leaking a new one per call.
type trampolineKey struct {
	target   uint64
	encoding string
}

// TrampolineAllocator hands out native function pointers that, when
// called from host code, marshal their arguments and call back into
// guest ARM code through an Executor. It is the mechanism by which a
// guest function pointer (a completion handler, a delegate method) can
// be passed to a native API and still work when that API invokes it.
type TrampolineAllocator struct {
	mu    sync.Mutex
	ex    *Executor
	cache map[trampolineKey]uintptr
}

// NewTrampolineAllocator builds an allocator whose generated
// trampolines call back into ex.
func NewTrampolineAllocator(ex *Executor) *TrampolineAllocator {
	return &TrampolineAllocator{ex: ex, cache: make(map[trampolineKey]uintptr)}
}

// Translate converts a function pointer the guest handed to native code
// into something the host can actually call. A pointer into a guest
// dylib gets a generated thunk that re-enters emulation; any other
// pointer is already native and passes through unchanged. A guest
// pointer with no method type metadata cannot be bridged: the error is
// recorded and a null pointer returned, matching what the callback's
// eventual caller would observe for a missing callback.
func (t *TrampolineAllocator) Translate(ptr uint64) (uintptr, error) {
	lib := t.ex.loader.reg.Lookup(ptr)
	if lib == nil || lib.Kind != GuestDylib {
		return uintptr(ptr), nil
	}
	encoding, ok := lib.MethodTypes[ptr]
	if !ok {
		err := newErr(ErrMissingMethodType, "callback not found at 0x%x in %s", ptr, lib.Path)
		t.ex.loader.reportError(err)
		return 0, err
	}
	return t.Get(ptr, encoding)
}

// Get returns a native-callable function pointer for target, decoding
// encoding to learn its argument and return shape. Repeated calls for
// the same (target, encoding) pair return the same pointer; the
// underlying native closure is created at most once per pair.
func (t *TrampolineAllocator) Get(target uint64, encoding string) (uintptr, error) {
	key := trampolineKey{target: target, encoding: encoding}

	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.cache[key]; ok {
		return addr, nil
	}

	dec := NewTypeDecoder(encoding)
	retSize, err := dec.Next()
	if err != nil {
		return 0, err
	}
	returns := retSize != 0

	var argc int
	for dec.HasNext() {
		sz, err := dec.Next()
		if err != nil {
			return 0, err
		}
		if sz != 4 {
			return 0, newErr(ErrUnsupportedTypeEncoding, "trampoline argument of size %d for 0x%x: only 4-byte arguments are supported", sz, target)
		}
		argc++
		if argc > maxTrampolineArgs {
			return 0, newErr(ErrTooManyArguments, "0x%x takes more than %d arguments", target, maxTrampolineArgs)
		}
	}

	dispatch := func(words []uintptr) uintptr {
		recordTrampoline()
		args := make([]uint32, len(words))
		for i, w := range words {
			args[i] = uint32(w)
		}
		bc := NewDynamicBackCaller(t.ex)
		if returns {
			r, err := bc.CallBackR(target, args)
			if err != nil {
				return 0
			}
			return uintptr(r)
		}
		bc.CallBack(target, args)
		return 0
	}

	addr := purego.NewCallback(makeCallback(argc, dispatch))
	t.cache[key] = addr
	return addr, nil
}

// makeCallback returns a Go function of exactly n uintptr parameters
// that forwards its arguments to dispatch, since purego.NewCallback
// needs a concretely typed function rather than a variadic one.
func makeCallback(n int, dispatch func([]uintptr) uintptr) any {
	switch n {
	case 0:
		return func() uintptr { return dispatch(nil) }
	case 1:
		return func(a0 uintptr) uintptr { return dispatch([]uintptr{a0}) }
	case 2:
		return func(a0, a1 uintptr) uintptr { return dispatch([]uintptr{a0, a1}) }
	case 3:
		return func(a0, a1, a2 uintptr) uintptr { return dispatch([]uintptr{a0, a1, a2}) }
	default:
		return func(a0, a1, a2, a3 uintptr) uintptr { return dispatch([]uintptr{a0, a1, a2, a3}) }
	}
}
